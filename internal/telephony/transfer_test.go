package telephony

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestTransferTwiML(t *testing.T) {
	t.Parallel()

	got, err := TransferTwiML("+15551234567")
	if err != nil {
		t.Fatalf("TransferTwiML: %v", err)
	}
	want := `<Response><Dial timeout="30" callerId="+15551234567"><Number>+15551234567</Number></Dial></Response>`
	if got != want {
		t.Errorf("TransferTwiML =\n%s\nwant\n%s", got, want)
	}
}

func TestTransferTwiML_EscapesNumber(t *testing.T) {
	t.Parallel()

	got, err := TransferTwiML(`+1555<x>&"`)
	if err != nil {
		t.Fatalf("TransferTwiML: %v", err)
	}
	if strings.Contains(got, "<x>") {
		t.Errorf("markup not escaped: %s", got)
	}
	if !strings.Contains(got, "&lt;x&gt;") {
		t.Errorf("expected escaped entity in %s", got)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New("", "token", logger); err == nil {
		t.Error("expected error for missing account SID")
	}
	if _, err := New("AC123", "", logger); err == nil {
		t.Error("expected error for missing auth token")
	}
	if _, err := New("AC123", "token", logger); err != nil {
		t.Errorf("valid credentials rejected: %v", err)
	}
}

func TestTransferCall_Validation(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New("AC123", "token", logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.TransferCall(t.Context(), "", "+15551234567", ""); err == nil {
		t.Error("expected error for missing call SID")
	}
	if err := c.TransferCall(t.Context(), "CA123", "", ""); err == nil {
		t.Error("expected error for missing number")
	}
}
