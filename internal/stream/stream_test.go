package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

func testLog(t *testing.T) (*Log, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, logger), mock
}

func TestPublish(t *testing.T) {
	t.Parallel()
	l, mock := testLog(t)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "dealer_raw",
		Values: map[string]interface{}{"d": []byte(`{"x":1}`)},
	}).SetVal("1-0")

	if err := l.Publish(context.Background(), "dealer_raw", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnsureGroupBusyGroupIsSuccess(t *testing.T) {
	t.Parallel()
	l, mock := testLog(t)

	mock.ExpectXGroupCreateMkStream("dealer_raw", "processor", "$").
		SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))

	if err := l.EnsureGroup(context.Background(), "dealer_raw", "processor", "$"); err != nil {
		t.Fatalf("BUSYGROUP should be treated as success, got %v", err)
	}
}

func TestEnsureGroupOtherErrorPropagates(t *testing.T) {
	t.Parallel()
	l, mock := testLog(t)

	mock.ExpectXGroupCreateMkStream("dealer_raw", "processor", "$").
		SetErr(errors.New("LOADING Redis is loading the dataset"))

	if err := l.EnsureGroup(context.Background(), "dealer_raw", "processor", "$"); err == nil {
		t.Fatal("expected error")
	}
}

func TestReadGroupTimeoutReturnsEmpty(t *testing.T) {
	t.Parallel()
	l, mock := testLog(t)

	mock.ExpectXReadGroup(&redis.XReadGroupArgs{
		Group:    "processor",
		Consumer: "p1",
		Streams:  []string{"dealer_raw", ">"},
		Count:    500,
		Block:    200 * time.Millisecond,
	}).RedisNil()

	entries, err := l.ReadGroup(context.Background(), "dealer_raw", "processor", "p1", 500, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("read timeout should not be an error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestReadGroupDeliversPayloads(t *testing.T) {
	t.Parallel()
	l, mock := testLog(t)

	mock.ExpectXReadGroup(&redis.XReadGroupArgs{
		Group:    "processor",
		Consumer: "p1",
		Streams:  []string{"dealer_raw", ">"},
		Count:    500,
		Block:    200 * time.Millisecond,
	}).SetVal([]redis.XStream{{
		Stream: "dealer_raw",
		Messages: []redis.XMessage{
			{ID: "1-0", Values: map[string]interface{}{"d": `{"a":1}`}},
			{ID: "2-0", Values: map[string]interface{}{"d": `{"b":2}`}},
		},
	}})

	entries, err := l.ReadGroup(context.Background(), "dealer_raw", "processor", "p1", 500, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != "1-0" || string(entries[0].Data) != `{"a":1}` {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
}

func TestAckEmptyIsNoop(t *testing.T) {
	t.Parallel()
	l, _ := testLog(t)
	if err := l.Ack(context.Background(), "dealer_metrics", "ch_writer_group"); err != nil {
		t.Fatalf("empty ack should be a no-op: %v", err)
	}
}

func TestAckBatchesIDsInOneCall(t *testing.T) {
	t.Parallel()
	l, mock := testLog(t)

	mock.ExpectXAck("dealer_metrics", "ch_writer_group", "1-0", "2-0", "3-0").SetVal(3)

	err := l.Ack(context.Background(), "dealer_metrics", "ch_writer_group", "1-0", "2-0", "3-0")
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLastEmptyStream(t *testing.T) {
	t.Parallel()
	l, mock := testLog(t)

	mock.ExpectXRevRangeN("dealer_metrics", "+", "-", 1).SetVal([]redis.XMessage{})

	data, err := l.Last(context.Background(), "dealer_metrics")
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil payload, got %q", data)
	}
}

func TestLastReturnsNewestPayload(t *testing.T) {
	t.Parallel()
	l, mock := testLog(t)

	mock.ExpectXRevRangeN("dealer_metrics", "+", "-", 1).SetVal([]redis.XMessage{
		{ID: "9-0", Values: map[string]interface{}{"d": `{"ts":1}`}},
	})

	data, err := l.Last(context.Background(), "dealer_metrics")
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if string(data) != `{"ts":1}` {
		t.Fatalf("payload = %q", data)
	}
}
