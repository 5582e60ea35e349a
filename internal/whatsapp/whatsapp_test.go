package whatsapp

import (
	"context"
	"testing"
)

func TestMockClientRecordsSends(t *testing.T) {
	mc := NewMockClient()
	if err := mc.SendMessage(context.Background(), "15551234567", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if err := mc.SendMessage(context.Background(), "15557654321", "again"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mc.Sent) != 2 {
		t.Fatalf("expected 2 recorded sends, got %d", len(mc.Sent))
	}
	if mc.Sent[0].To != "15551234567" || mc.Sent[0].Body != "hello" {
		t.Errorf("unexpected first send: %+v", mc.Sent[0])
	}
}

func TestMockClientSatisfiesSender(t *testing.T) {
	var _ WhatsAppSender = NewMockClient()
	var _ WhatsAppSender = &Client{}
}

func TestClientSendMessageValidation(t *testing.T) {
	c := &Client{}
	if err := c.SendMessage(context.Background(), "15551234567", "hi"); err == nil {
		t.Error("expected error for uninitialized client")
	}
}

func TestOptions(t *testing.T) {
	var cfg Opts
	for _, opt := range []Option{WithDBDSN("file:wa.db"), WithQRCodeOutput("/tmp/qr.txt"), WithNumericCode()} {
		opt(&cfg)
	}
	if cfg.DBDSN != "file:wa.db" {
		t.Errorf("WithDBDSN not applied: %q", cfg.DBDSN)
	}
	if cfg.QRPath != "/tmp/qr.txt" {
		t.Errorf("WithQRCodeOutput not applied: %q", cfg.QRPath)
	}
	if !cfg.NumericCode {
		t.Error("WithNumericCode not applied")
	}
}
