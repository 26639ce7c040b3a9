package message

import (
	"fmt"
	"testing"
	"time"
)

func msg(id, code, text string) *Message {
	return &Message{
		ID:          id,
		SessionCode: code,
		Text:        text,
		Type:        TypeChat,
		CreatedAt:   time.Now(),
	}
}

func TestStoreAppendAndCount(t *testing.T) {
	s := NewStore(100)

	s.Append(msg("1", "111111", "hello"))
	s.Append(msg("2", "111111", "world"))

	if s.Count("111111") != 2 {
		t.Fatalf("expected 2 messages, got %d", s.Count("111111"))
	}
	if s.Count("222222") != 0 {
		t.Fatalf("expected 0 messages for other session, got %d", s.Count("222222"))
	}
}

func TestStoreMaxSize(t *testing.T) {
	s := NewStore(3)

	for i := 0; i < 5; i++ {
		s.Append(msg(fmt.Sprintf("%d", i), "111111", fmt.Sprintf("msg-%d", i)))
	}

	if s.Count("111111") != 3 {
		t.Fatalf("expected 3 messages (max size), got %d", s.Count("111111"))
	}

	result := s.Recent("111111", 10)
	if len(result) != 3 {
		t.Fatalf("expected 3 recent messages, got %d", len(result))
	}
	if result[0].ID != "2" || result[2].ID != "4" {
		t.Errorf("expected IDs [2..4], got [%s..%s]", result[0].ID, result[2].ID)
	}
}

func TestStoreNonPositiveMaxSizeKeepsNothing(t *testing.T) {
	for _, size := range []int{0, -1} {
		s := NewStore(size)
		s.Append(msg("1", "111111", "hello"))
		if s.Count("111111") != 0 {
			t.Errorf("max size %d: expected 0 messages, got %d", size, s.Count("111111"))
		}
	}
}

func TestStoreRecentLimit(t *testing.T) {
	s := NewStore(100)
	for i := 0; i < 10; i++ {
		s.Append(msg(fmt.Sprintf("%d", i), "111111", "x"))
	}

	result := s.Recent("111111", 2)
	if len(result) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(result))
	}
	if result[0].ID != "8" || result[1].ID != "9" {
		t.Errorf("expected IDs [8, 9], got [%s, %s]", result[0].ID, result[1].ID)
	}
}

func TestStoreRecentEmpty(t *testing.T) {
	s := NewStore(100)

	if result := s.Recent("111111", 10); result != nil {
		t.Fatalf("expected nil for empty session, got %d messages", len(result))
	}
	s.Append(msg("1", "111111", "hello"))
	if result := s.Recent("111111", 0); result != nil {
		t.Fatalf("expected nil for n=0, got %d messages", len(result))
	}
}

func TestStoreRecentIsCopy(t *testing.T) {
	s := NewStore(100)
	s.Append(msg("1", "111111", "hello"))

	result := s.Recent("111111", 10)
	result[0] = msg("x", "111111", "tampered")

	if got := s.Recent("111111", 10); got[0].ID != "1" {
		t.Errorf("store should not be affected by caller mutation, got %q", got[0].ID)
	}
}

func TestStoreDeleteSession(t *testing.T) {
	s := NewStore(100)
	s.Append(msg("1", "111111", "hello"))
	s.Append(msg("2", "222222", "other"))
	s.DeleteSession("111111")

	if s.Count("111111") != 0 {
		t.Fatalf("expected 0 after delete, got %d", s.Count("111111"))
	}
	if s.Count("222222") != 1 {
		t.Errorf("delete should not touch other sessions, got %d", s.Count("222222"))
	}
}

func TestNewIDSortable(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()

	if a == b {
		t.Fatal("expected unique IDs")
	}
	if a >= b {
		t.Errorf("expected %q < %q", a, b)
	}
}

func TestStoreImplementsInterface(t *testing.T) {
	var _ MessageStore = NewStore(1)
}
