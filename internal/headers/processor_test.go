package headers

import (
	"strings"
	"testing"
)

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		wantHeader string
		wantBody   string
	}{
		{"crlf", "From: a\r\nTo: b\r\n\r\nBody", "From: a\r\nTo: b", "Body"},
		{"lf", "From: a\nTo: b\n\nBody", "From: a\nTo: b", "Body"},
		{"no body", "From: a\r\nTo: b", "From: a\r\nTo: b", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, body := SplitMessage([]byte(tt.data))
			if string(header) != tt.wantHeader {
				t.Errorf("header = %q, want %q", header, tt.wantHeader)
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestParseFields_MultilineHeaders(t *testing.T) {
	header := "Received: from mx.example.com\r\n" +
		"\tby relay.example.net\r\n" +
		"X-Spam-Status: Yes, score=9.1\r\n" +
		"  tests=BAYES_99\r\n" +
		"Subject: Test"

	fields := ParseFields([]byte(header))
	if len(fields) != 3 {
		t.Fatalf("got %d fields, want 3", len(fields))
	}

	if fields[0].Name != "Received" || fields[0].Value != "from mx.example.com\r\n\tby relay.example.net" {
		t.Errorf("field 0 = %+v", fields[0])
	}
	if fields[1].Value != "Yes, score=9.1\r\n  tests=BAYES_99" {
		t.Errorf("field 1 value = %q", fields[1].Value)
	}
	if fields[2] != (Field{"Subject", "Test"}) {
		t.Errorf("field 2 = %+v", fields[2])
	}
}

func TestParseFields_SkipsGarbage(t *testing.T) {
	header := "no colon here\r\n" +
		"\tstray continuation\r\n" +
		"From: a@example.com"

	fields := ParseFields([]byte(header))
	if len(fields) != 1 || fields[0].Name != "From" {
		t.Errorf("fields = %+v, want only From", fields)
	}
}

func TestApply_DoesNotModifyInput(t *testing.T) {
	fields := []Field{{"X-Foo", "1"}, {"Subject", "s"}}
	ops := []Op{
		{Kind: OpInsert, Name: "X-Original-X-Foo", Value: "1", At: 2},
		{Kind: OpRemove, Name: "X-Foo", Ordinal: 1},
	}

	result, err := Apply(fields, ops)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if fields[0] != (Field{"X-Foo", "1"}) || len(fields) != 2 {
		t.Errorf("input modified: %+v", fields)
	}
	if result[0] != (Field{"X-Original-X-Foo", "1"}) {
		t.Errorf("result = %+v", result)
	}
}

func TestApply_RemoveIsCaseInsensitive(t *testing.T) {
	fields := []Field{{"x-spam-flag", "YES"}, {"X-SPAM-FLAG", "NO"}}

	result, err := Apply(fields, []Op{{Kind: OpRemove, Name: "X-Spam-Flag", Ordinal: 2}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(result) != 1 || result[0].Value != "YES" {
		t.Errorf("result = %+v", result)
	}
}

func TestApply_InsertPastEndAppends(t *testing.T) {
	result, err := Apply([]Field{{"From", "a"}}, []Op{{Kind: OpInsert, Name: "X-New", Value: "v", At: 10}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(result) != 2 || result[1].Name != "X-New" {
		t.Errorf("result = %+v", result)
	}
}

func TestApply_ReportsFailuresAndContinues(t *testing.T) {
	fields := []Field{{"X-Foo", "1"}}
	ops := []Op{
		{Kind: OpRemove, Name: "X-Bar", Ordinal: 1},
		{Kind: OpRemove, Name: "X-Foo", Ordinal: 0},
		{Kind: OpInsert, Name: "", Value: "x", At: 1},
		{Kind: OpInsert, Name: "X-Added", Value: "yes", At: 2},
	}

	result, err := Apply(fields, ops)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"X-Bar", "invalid ordinal", "empty header name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
	if len(result) != 2 || result[1].Name != "X-Added" {
		t.Errorf("later ops should still apply, got %+v", result)
	}
}

func TestBuildMessage_PreservesBody(t *testing.T) {
	email := "Received: from a\r\n" +
		"X-Spam-Flag: YES\r\n" +
		"\r\n" +
		"Line 1\r\n" +
		"Line 2\r\n"

	header, body := SplitMessage([]byte(email))
	fields, err := Apply(ParseFields(header), []Op{
		{Kind: OpInsert, Name: "X-Original-X-Spam-Flag", Value: "YES", At: 3},
		{Kind: OpRemove, Name: "X-Spam-Flag", Ordinal: 1},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	got := string(BuildMessage(fields, body))
	want := "Received: from a\r\n" +
		"X-Original-X-Spam-Flag: YES\r\n" +
		"\r\n" +
		"Line 1\r\n" +
		"Line 2\r\n"
	if got != want {
		t.Errorf("BuildMessage() = %q, want %q", got, want)
	}
}
