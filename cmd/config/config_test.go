package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/kiyeovo/groupchat-core/internal/testutil"
)

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")
	if AppConfig.Network.ID != "groupchat-default" {
		t.Fatalf("unexpected network id: %s", AppConfig.Network.ID)
	}
	if AppConfig.Group.MaxMessagesPerStore != 500 {
		t.Fatalf("unexpected max_messages_per_store: %d", AppConfig.Group.MaxMessagesPerStore)
	}
}

func TestLoadConfigOverride(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("bootstrap")
	if AppConfig.Network.DiscoveryTag != "groupchat-bootstrap" {
		t.Fatalf("expected discovery tag override")
	}
	if AppConfig.Group.InfoRepublishMaxAttempts != 12 {
		t.Fatalf("expected InfoRepublishMaxAttempts 12, got %d", AppConfig.Group.InfoRepublishMaxAttempts)
	}
}

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("network:\n  id: sandbox\n  listen_addr: /ip4/0.0.0.0/tcp/0\ngroup:\n  max_messages_per_store: 42\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.Network.ID != "sandbox" {
		t.Fatalf("expected network id sandbox, got %s", AppConfig.Network.ID)
	}
	if AppConfig.Group.MaxMessagesPerStore != 42 {
		t.Fatalf("expected MaxMessagesPerStore 42, got %d", AppConfig.Group.MaxMessagesPerStore)
	}
}
