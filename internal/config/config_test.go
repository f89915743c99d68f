package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.QueueName != "notifications" {
		t.Errorf("QueueName = %q, want notifications", cfg.QueueName)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.DeliveryTimeout != 30*time.Second {
		t.Errorf("DeliveryTimeout = %s, want 30s", cfg.DeliveryTimeout)
	}
	if cfg.SQSRegion != cfg.AWSRegion || cfg.SNSRegion != cfg.AWSRegion {
		t.Errorf("regions should default to AWS_REGION, got sqs=%s sns=%s", cfg.SQSRegion, cfg.SNSRegion)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("QUEUE_DRIVER", "memory")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("DELIVERY_TIMEOUT", "2s")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("SNS_REGION", "us-west-2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.StoreDriver != "sqlite" || cfg.QueueDriver != "memory" {
		t.Errorf("drivers = %s/%s", cfg.StoreDriver, cfg.QueueDriver)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.DeliveryTimeout != 2*time.Second {
		t.Errorf("DeliveryTimeout = %s, want 2s", cfg.DeliveryTimeout)
	}
	if cfg.SQSRegion != "eu-west-1" {
		t.Errorf("SQSRegion = %s, want eu-west-1", cfg.SQSRegion)
	}
	if cfg.SNSRegion != "us-west-2" {
		t.Errorf("SNSRegion = %s, want us-west-2", cfg.SNSRegion)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"PORT": "abc"}},
		{"bad store", map[string]string{"STORE_DRIVER": "mongo"}},
		{"bad queue", map[string]string{"QUEUE_DRIVER": "amqp"}},
		{"bad email provider", map[string]string{"EMAIL_PROVIDER": "nodemailer"}},
		{"sqs without url", map[string]string{"QUEUE_DRIVER": "sqs"}},
		{"redis queue without redis", map[string]string{"REDIS_ENABLED": "false"}},
		{"negative retries", map[string]string{"MAX_RETRIES": "-1"}},
		{"zero workers", map[string]string{"WORKER_CONCURRENCY": "0"}},
		{"bad duration", map[string]string{"DELIVERY_TIMEOUT": "soon"}},
		{"lease shorter than delivery", map[string]string{"QUEUE_VISIBILITY_TIMEOUT": "10s", "DELIVERY_TIMEOUT": "30s"}},
		{"lease equal to delivery", map[string]string{"QUEUE_VISIBILITY_TIMEOUT": "30s", "DELIVERY_TIMEOUT": "30s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBUser: "app", DBPassword: "s3cret", DBHost: "db", DBPort: 5432, DBName: "courier", DBSSLMode: "disable"}
	want := "postgres://app:s3cret@db:5432/courier?sslmode=disable"
	if got := cfg.DatabaseURL(); got != want {
		t.Errorf("DatabaseURL = %s, want %s", got, want)
	}

	cfg.DBPassword = ""
	want = "postgres://app@db:5432/courier?sslmode=disable"
	if got := cfg.DatabaseURL(); got != want {
		t.Errorf("DatabaseURL = %s, want %s", got, want)
	}
}
