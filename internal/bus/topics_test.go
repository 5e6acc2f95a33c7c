package bus

import (
	"testing"
	"time"
)

// Topic namespaces are load-bearing: subscribers use prefix matching, so every
// topic must live under its component's prefix.
func TestTopicNamespaces(t *testing.T) {
	agentTopics := []string{TopicAgentStarted, TopicAgentStopping, TopicAgentStopped}
	for _, topic := range agentTopics {
		if len(topic) < 6 || topic[:6] != "agent." {
			t.Errorf("topic %q not under agent. prefix", topic)
		}
	}

	taskTopics := []string{TopicTaskCompleted, TopicTaskFailed}
	for _, topic := range taskTopics {
		if len(topic) < 5 || topic[:5] != "task." {
			t.Errorf("topic %q not under task. prefix", topic)
		}
	}

	cleanupTopics := []string{
		TopicCleanupScheduled, TopicCleanupCompleted,
		TopicCleanupFailed, TopicCleanupHighErrorRate,
	}
	for _, topic := range cleanupTopics {
		if len(topic) < 8 || topic[:8] != "cleanup." {
			t.Errorf("topic %q not under cleanup. prefix", topic)
		}
	}
}

func TestEventPayloadsFlowThroughBus(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCompleted, TaskCompletedEvent{
		TaskID:   "task-1",
		AgentID:  "agent-1",
		Duration: 2 * time.Second,
		Result:   "ok",
	})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(TaskCompletedEvent)
		if !ok {
			t.Fatalf("payload type = %T, want TaskCompletedEvent", ev.Payload)
		}
		if payload.TaskID != "task-1" || payload.AgentID != "agent-1" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}
