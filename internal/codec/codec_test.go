package codec

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		wantLen int
	}{
		{name: "object", input: `{"template":"lobby","count":3}`, wantLen: 2},
		{name: "empty object", input: `{}`, wantLen: 0},
		{name: "whitespace", input: "  {\"a\":1}\n", wantLen: 1},
		{name: "empty text", input: "", wantErr: ErrEmpty},
		{name: "array", input: `[1,2]`, wantErr: ErrNotObject},
		{name: "scalar", input: `"hello"`, wantErr: ErrNotObject},
		{name: "null", input: `null`, wantErr: ErrNotObject},
		{name: "broken", input: `{"a":`, wantErr: errAny},
		{name: "trailing", input: `{"a":1} {"b":2}`, wantErr: errAny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Decode(tt.input)
			switch {
			case tt.wantErr == errAny:
				if err == nil {
					t.Fatalf("Decode(%q) expected error", tt.input)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("Decode(%q) unexpected error: %v", tt.input, err)
				}
				if len(doc) != tt.wantLen {
					t.Errorf("Decode(%q) len = %d, want %d", tt.input, len(doc), tt.wantLen)
				}
			}
		})
	}
}

var errAny = errors.New("any error")

func TestEncodeDecodeKeepsFields(t *testing.T) {
	in := Document{
		"name":      "node-abc",
		"players":   []string{"a", "b"},
		"port":      25566,
		"running":   true,
		"nested":    Document{"k": "v"},
		"endpoints": []any{"", "info"},
	}

	text, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	out, err := Decode(text)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	if got := out.String("name"); got != "node-abc" {
		t.Errorf("name = %q", got)
	}
	if got, ok := out.Int("port"); !ok || got != 25566 {
		t.Errorf("port = %d, %v", got, ok)
	}
	if !out.Bool("running") {
		t.Errorf("running = false")
	}
	if got := out.Strings("players"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("players = %v", got)
	}
	if got := out.Doc("nested").String("k"); got != "v" {
		t.Errorf("nested.k = %q", got)
	}
	if got := out.Strings("endpoints"); !reflect.DeepEqual(got, []string{"", "info"}) {
		t.Errorf("endpoints = %v", got)
	}
}

func TestEncodeNil(t *testing.T) {
	text, err := Encode(nil)
	if err != nil {
		t.Fatalf("Encode(nil) error: %v", err)
	}
	if text != "{}" {
		t.Errorf("Encode(nil) = %q, want {}", text)
	}
}

func TestAccessors(t *testing.T) {
	doc, err := Decode(`{"s":"7","n":12,"f":1.5,"b":"true","list":[1,"x",{"a":1}],"objs":[{"uuid":"p1"},3,{"uuid":"p2"}]}`)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"numeric string as int", doc.IntOr("s", -1), 7},
		{"number as int", doc.IntOr("n", -1), 12},
		{"float truncates", doc.IntOr("f", -1), 1},
		{"missing int default", doc.IntOr("nope", -1), -1},
		{"number as string", doc.String("n"), "12"},
		{"string bool", doc.Bool("b"), true},
		{"missing bool", doc.Bool("nope"), false},
		{"missing doc", doc.Doc("nope") == nil, true},
		{"mixed list", doc.Strings("list"), []string{"1", "x"}},
		{"docs skip non objects", len(doc.Docs("objs")), 2},
		{"has", doc.Has("s"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !reflect.DeepEqual(tt.got, tt.want) {
				t.Errorf("got %#v, want %#v", tt.got, tt.want)
			}
		})
	}
}

func TestBind(t *testing.T) {
	type request struct {
		Template   string `json:"template"`
		ServerPort int    `json:"serverPort"`
	}

	doc, err := Decode(`{"template":"lobby","serverPort":25570,"extra":true}`)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	var req request
	if err := Bind(doc, &req); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if req.Template != "lobby" || req.ServerPort != 25570 {
		t.Errorf("Bind() = %+v", req)
	}

	if err := Bind(Document{"serverPort": "not a number"}, &req); err == nil {
		t.Errorf("Bind() with wrong type expected error")
	}
}

func TestFromAndMerge(t *testing.T) {
	doc, err := From(struct {
		Name string `json:"name"`
	}{Name: "lobby"})
	if err != nil {
		t.Fatalf("From() error: %v", err)
	}

	doc.Merge(Document{"status": "ok"}).Set("port", 1)
	if doc.String("name") != "lobby" || doc.String("status") != "ok" || doc.IntOr("port", 0) != 1 {
		t.Errorf("merged doc = %v", doc)
	}
	if keys := doc.Keys(); !reflect.DeepEqual(keys, []string{"name", "port", "status"}) {
		t.Errorf("Keys() = %v", keys)
	}

	clone := doc.Clone()
	clone.Set("name", "other")
	if doc.String("name") != "lobby" {
		t.Errorf("Clone() shares storage with the original")
	}
}
