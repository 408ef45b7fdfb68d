package storage

import (
	"testing"
	"time"

	"taskboard-api/domain"
)

func TestTaskEntityRoundTrip(t *testing.T) {
	due := time.Date(2026, 9, 15, 12, 0, 0, 0, time.UTC)
	task := domain.Task{
		ID:          "t1",
		Owner:       "user-1",
		Title:       "Buy milk",
		Description: "2 liters",
		Status:      domain.StatusTodo,
		CreatedAt:   time.Date(2026, 8, 31, 10, 30, 0, 123456789, time.UTC),
		DueDate:     &due,
	}

	payload, err := encodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeTask(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.ID != task.ID || got.Owner != task.Owner || got.Title != task.Title {
		t.Fatalf("identity fields mangled: %+v", got)
	}
	if got.Status != domain.StatusTodo {
		t.Fatalf("status mangled: %q", got.Status)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Fatalf("createdAt drifted: %v vs %v", got.CreatedAt, task.CreatedAt)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Fatalf("due date did not round trip: %v", got.DueDate)
	}
}

func TestTaskEntityNoDueDate(t *testing.T) {
	task := domain.Task{
		ID:        "t2",
		Owner:     "user-1",
		Title:     "No deadline",
		Status:    domain.StatusInProgress,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := encodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeTask(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DueDate != nil {
		t.Fatalf("expected nil due date, got %v", got.DueDate)
	}
}

func TestTaskEntityTimezoneNormalized(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	due := time.Date(2026, 9, 15, 17, 0, 0, 0, loc)
	task := domain.Task{ID: "t3", Owner: "u", Title: "tz", Status: domain.StatusDone, CreatedAt: time.Now(), DueDate: &due}

	payload, err := encodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeTask(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.DueDate.Equal(due) {
		t.Fatalf("timezone-normalized equality broken: %v vs %v", got.DueDate, due)
	}
}
