package publishers

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRegistryEnabledFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "publishers.yaml")
	raw := `
publishers:
  - id: http1
    type: http
    enabled: false
    http:
      url: https://example.com
  - id: sns1
    type: sns
    enabled: true
    sns:
      topic_arn: arn:aws:sns:::articles
      region: eu-west-1
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	enabled := reg.Enabled()
	if len(enabled) != 1 || enabled[0].ID != "sns1" {
		t.Fatalf("expected only sns1 enabled, got %#v", enabled)
	}
	if cfg, ok := reg.ByID("http1"); !ok || cfg.Type != TypeHTTP {
		t.Fatalf("ByID(http1) = (%#v, %v)", cfg, ok)
	}
}

func TestLoadRegistryJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "publishers.json")
	raw := `{"publishers":[{"id":"q1","type":"sqs","sqs":{"uri":"https://example.com/q","region":"eu-west-1"}}]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(reg.All()) != 1 || reg.All()[0].SQS.QueueURL != "https://example.com/q" {
		t.Fatalf("unexpected registry: %#v", reg.All())
	}
}

func TestLoadRegistryRejectsDuplicateIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "publishers.yaml")
	raw := `
publishers:
  - id: a
    type: http
    http:
      url: https://example.com
  - id: a
    type: http
    http:
      url: https://example.com/2
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadRegistry(path); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestValidatePublisherConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  PublisherConfig
	}{
		{"missing http block", PublisherConfig{ID: "h1", Type: TypeHTTP}},
		{"missing sns topic", PublisherConfig{ID: "s1", Type: TypeSNS, SNS: &SNSPublisherConfig{Region: "eu-west-1"}}},
		{"missing pubsub project", PublisherConfig{ID: "p1", Type: TypePubSub, PubSub: &GCPQueueConfig{Topic: "t"}}},
		{"missing sqs region", PublisherConfig{ID: "q1", Type: TypeSQS, SQS: &SQSPublisherConfig{QueueURL: "https://x"}}},
		{"missing id", PublisherConfig{Type: TypeHTTP, HTTP: &HTTPPublisherConfig{URL: "https://x"}}},
	}
	for _, tc := range cases {
		if err := validatePublisherConfig(tc.cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
