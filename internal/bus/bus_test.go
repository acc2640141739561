package bus

import (
	"testing"
	"time"

	"evorelay/internal/domain"
)

func testJob(jid string) domain.TurnJob {
	return domain.TurnJob{
		Key:     domain.BufferKey{JID: jid, Instance: "inst-1"},
		AgentID: 1,
		Content: "hello",
	}
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(10, testEBLogger())
	defer b.Close()

	b.Publish(testJob("a@s.net"))

	select {
	case job := <-b.Subscribe():
		if job.Key.JID != "a@s.net" {
			t.Errorf("unexpected job: %+v", job)
		}
	case <-time.After(time.Second):
		t.Fatal("job never arrived")
	}
}

func TestInMemoryBus_Order(t *testing.T) {
	b := New(10, testEBLogger())
	defer b.Close()

	b.Publish(testJob("first@s.net"))
	b.Publish(testJob("second@s.net"))

	ch := b.Subscribe()
	if job := <-ch; job.Key.JID != "first@s.net" {
		t.Errorf("expected first, got %s", job.Key.JID)
	}
	if job := <-ch; job.Key.JID != "second@s.net" {
		t.Errorf("expected second, got %s", job.Key.JID)
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(10, testEBLogger())
	b.Close()

	// Must not panic on the closed channel.
	b.Publish(testJob("a@s.net"))

	if _, ok := <-b.Subscribe(); ok {
		t.Error("closed bus delivered a job")
	}
}

func TestInMemoryBus_CloseIdempotent(t *testing.T) {
	b := New(10, testEBLogger())
	b.Close()
	b.Close()
}

func TestInMemoryBus_DefaultBufferSize(t *testing.T) {
	b := New(0, testEBLogger())
	defer b.Close()

	if cap(b.jobs) != 100 {
		t.Errorf("expected default capacity 100, got %d", cap(b.jobs))
	}
}
