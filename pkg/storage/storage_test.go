package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
)

func TestBalance(t *testing.T) {
	objs := []Object{
		{Key: "a", Size: 50},
		{Key: "b", Size: 10},
		{Key: "c", Size: 40},
		{Key: "d", Size: 30},
		{Key: "e", Size: 20},
	}

	tests := []struct {
		name    string
		workers int
		want    [][]string
	}{
		{"single worker", 1, [][]string{{"a", "b", "c", "d", "e"}}},
		{"two workers", 2, [][]string{{"a", "b", "e"}, {"c", "d"}}},
		{"more workers than objects", 7, [][]string{{"a"}, {"c"}, {"d"}, {"e"}, {"b"}, {}, {}}},
		{"non-positive workers", 0, [][]string{{"a", "b", "c", "d", "e"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Balance(objs, tt.workers)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put("in", "stage1/part-0", 10)
	m.Put("in", "stage1/part-1", 20)
	m.Put("in", "stage2/part-0", 30)

	size, err := m.GetSize(ctx, "in", "stage1/")
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	if size != 30 {
		t.Errorf("Expected 30 bytes, got %d", size)
	}

	parts, err := m.Partition(ctx, "in", "stage1/", 2)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	want := [][]string{{"stage1/part-1"}, {"stage1/part-0"}}
	if !reflect.DeepEqual(parts, want) {
		t.Errorf("Expected %v, got %v", want, parts)
	}

	if _, err := m.GetSize(ctx, "missing", ""); err == nil {
		t.Errorf("Expected an error for a missing bucket")
	}
}

func TestNewMinIORequiresEndpoint(t *testing.T) {
	if _, err := NewMinIO(MinIOOptions{}); err == nil {
		t.Errorf("Expected an error without an endpoint")
	}
}

func TestMinIOListReportsServerError(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
			`<Error><Code>AccessDenied</Code><Message>Access Denied.</Message>` +
			`<BucketName>inputs</BucketName><Resource>/inputs</Resource>` +
			`<RequestId>1</RequestId><HostId>1</HostId></Error>`))
	}))
	defer srv.Close()

	m, err := NewMinIO(MinIOOptions{Endpoint: strings.TrimPrefix(srv.URL, "http://"), AccessKey: "k", SecretKey: "s"})
	if err != nil {
		t.Fatalf("NewMinIO: %v", err)
	}
	if _, err := m.GetSize(context.Background(), "inputs", "day1/"); err == nil {
		t.Fatal("Expected an error from a failing listing")
	}
	if _, err := m.Partition(context.Background(), "inputs", "day1/", 2); err == nil {
		t.Fatal("Expected an error from a failing partition")
	}
	if requests.Load() == 0 {
		t.Error("Expected the listing to reach the server")
	}
}
