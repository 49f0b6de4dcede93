package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestEventSubject(t *testing.T) {
	if EventSubject(" ") != "" {
		t.Fatalf("expected empty subject")
	}
	if got := EventSubject("execution.failed"); got != "chatflow.workflow.execution.failed" {
		t.Fatalf("unexpected event subject %s", got)
	}
}

func TestInitJetStreamEnabled(t *testing.T) {
	t.Setenv(envUseJetStream, "")
	if initJetStreamEnabled() {
		t.Fatalf("expected jetstream disabled by default")
	}
	for _, val := range []string{"1", "true", "yes", "y", "on"} {
		t.Setenv(envUseJetStream, val)
		if !initJetStreamEnabled() {
			t.Fatalf("expected jetstream enabled for %s", val)
		}
	}
	t.Setenv(envUseJetStream, "no")
	if initJetStreamEnabled() {
		t.Fatalf("expected jetstream disabled for no")
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv(envJSAckWait, "45s")
	if got := envDuration(envJSAckWait, time.Minute); got != 45*time.Second {
		t.Fatalf("expected 45s, got %s", got)
	}
	t.Setenv(envJSAckWait, "-3s")
	if got := envDuration(envJSAckWait, time.Minute); got != time.Minute {
		t.Fatalf("expected default for negative, got %s", got)
	}
}

func TestIsDurableSubject(t *testing.T) {
	cases := map[string]bool{
		SubjectWorkflowStart:                 true,
		EventSubject("execution.completed"): true,
		"sys.heartbeat":                      false,
		"chatflowx.start":                    false,
	}
	for subject, expect := range cases {
		if got := isDurableSubject(subject); got != expect {
			t.Fatalf("subject %s expected durable=%v got=%v", subject, expect, got)
		}
	}
}

func TestDurableName(t *testing.T) {
	if durableName("", "") != "" {
		t.Fatalf("expected empty durable name")
	}
	if got := durableName(SubjectEventsAll, "dlq"); got != "dur_dlq__chatflow_workflow_execution_GT" {
		t.Fatalf("unexpected durable name: %s", got)
	}
	if got := durableName("chatflow.workflow.*", ""); got != "dur_chatflow_workflow_STAR" {
		t.Fatalf("unexpected durable name for empty queue: %s", got)
	}
}

func TestNatsBusPublishErrors(t *testing.T) {
	var nilBus *NatsBus
	if err := nilBus.Publish(SubjectWorkflowStart, map[string]string{}); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	bus := &NatsBus{nc: &nats.Conn{}}
	if err := bus.Publish("", map[string]string{}); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected empty topic error, got %v", err)
	}
	if err := bus.Publish(SubjectWorkflowStart, nil); !errors.Is(err, errNilMessage) {
		t.Fatalf("expected nil message error, got %v", err)
	}
	if err := bus.Publish(SubjectWorkflowStart, make(chan int)); err == nil {
		t.Fatalf("expected encode error")
	}
}

func TestNatsBusSubscribeErrors(t *testing.T) {
	var nilBus *NatsBus
	if err := nilBus.Subscribe(SubjectWorkflowStart, "", func([]byte) error { return nil }); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	bus := &NatsBus{nc: &nats.Conn{}}
	if err := bus.Subscribe("", "", func([]byte) error { return nil }); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected empty topic error, got %v", err)
	}
	if err := bus.Subscribe(SubjectWorkflowStart, "", nil); err == nil {
		t.Fatalf("expected nil handler error")
	}

	if err := nilBus.SubscribeAll(SubjectEventsAll, func([]byte) error { return nil }); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if err := bus.SubscribeAll("", func([]byte) error { return nil }); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected empty topic error, got %v", err)
	}
	if err := bus.SubscribeAll(SubjectEventsAll, nil); err == nil {
		t.Fatalf("expected nil handler error")
	}
}

func TestNatsBusStatusDefaults(t *testing.T) {
	var nilBus *NatsBus
	if nilBus.IsConnected() {
		t.Fatalf("expected disconnected nil bus")
	}
	if status := nilBus.Status(); status != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN status, got %s", status)
	}
	if url := nilBus.ConnectedURL(); url != "" {
		t.Fatalf("expected empty url, got %s", url)
	}
	nilBus.Close()
}
