package render

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mmcdole/gofeed"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	eval := NewEvaluator()
	t.Cleanup(eval.Close)
	return eval
}

func mustCompile(t *testing.T, src string) *Expr {
	t.Helper()
	expr, err := CompileExpr(src)
	if err != nil {
		t.Fatalf("compile %q: %v", src, err)
	}
	return expr
}

func TestCompileExpr(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{name: "bare expression", src: "item.guid"},
		{name: "or fallback", src: "item.guid or item.link"},
		{name: "full chunk with return", src: "local t = item.title; return t"},
		{name: "syntax error", src: "item.((", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileExpr(tt.src)
			if (err != nil) != tt.wantErr {
				t.Errorf("CompileExpr(%q) error = %v, wantErr %v", tt.src, err, tt.wantErr)
			}
		})
	}
}

func TestEvalBool(t *testing.T) {
	eval := newTestEvaluator(t)
	if err := eval.SetContext(nil, map[string]any{"title": "hello"}); err != nil {
		t.Fatalf("set context: %v", err)
	}

	got, err := eval.EvalBool(mustCompile(t, `item.title == "hello"`))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !got {
		t.Error("EvalBool() = false, want true")
	}

	_, err = eval.EvalBool(mustCompile(t, "item.title"))
	if !errors.Is(err, ErrNonBoolean) {
		t.Errorf("string result: error = %v, want ErrNonBoolean", err)
	}
}

func TestEvalErrorPerEntry(t *testing.T) {
	eval := newTestEvaluator(t)
	if err := eval.SetContext(nil, map[string]any{"title": "hello"}); err != nil {
		t.Fatalf("set context: %v", err)
	}

	// indexing a nil global raises a Lua runtime error
	_, err := eval.Eval(mustCompile(t, "missing.field"))
	var evalErr *EvalError
	if !errors.As(err, &evalErr) {
		t.Fatalf("error = %v, want *EvalError", err)
	}

	// the state stays usable for the next entry
	got, err := eval.EvalBool(mustCompile(t, `item.title == "hello"`))
	if err != nil || !got {
		t.Errorf("evaluator unusable after entry error: got %v, err %v", got, err)
	}
}

func TestFingerprint(t *testing.T) {
	item := &gofeed.Item{GUID: "guid-1", Link: "https://example.com/1", Title: "First"}

	eval := newTestEvaluator(t)
	if err := eval.SetContext(&gofeed.Feed{Title: "Feed"}, item); err != nil {
		t.Fatalf("set context: %v", err)
	}

	guidKey := []*Expr{mustCompile(t, "item.guid")}

	first, err := eval.Fingerprint(guidKey)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	again, err := eval.Fingerprint(guidKey)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if !bytes.Equal(first, again) {
		t.Error("fingerprint is not deterministic")
	}

	// same keys in a different order hash differently
	forward := []*Expr{mustCompile(t, "item.guid"), mustCompile(t, "item.link")}
	backward := []*Expr{mustCompile(t, "item.link"), mustCompile(t, "item.guid")}
	fw, err := eval.Fingerprint(forward)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	bw, err := eval.Fingerprint(backward)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if bytes.Equal(fw, bw) {
		t.Error("key order does not change the fingerprint")
	}

	// a different guid yields a different fingerprint
	other := &gofeed.Item{GUID: "guid-2", Link: "https://example.com/1"}
	if err := eval.SetContext(&gofeed.Feed{Title: "Feed"}, other); err != nil {
		t.Fatalf("set context: %v", err)
	}
	second, err := eval.Fingerprint(guidKey)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("distinct guids produced the same fingerprint")
	}
}

func TestDefaultUpdateKeyFallsBackToLink(t *testing.T) {
	eval := newTestEvaluator(t)
	key := []*Expr{mustCompile(t, DefaultUpdateKey)}

	noGUID := &gofeed.Item{Link: "https://example.com/post"}
	if err := eval.SetContext(nil, noGUID); err != nil {
		t.Fatalf("set context: %v", err)
	}
	fromLink, err := eval.Fingerprint(key)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	withGUID := &gofeed.Item{GUID: "https://example.com/post"}
	if err := eval.SetContext(nil, withGUID); err != nil {
		t.Fatalf("set context: %v", err)
	}
	fromGUID, err := eval.Fingerprint(key)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	if !bytes.Equal(fromLink, fromGUID) {
		t.Error("guid and equal link fallback should fingerprint identically")
	}
}

func TestSandboxBlocksOS(t *testing.T) {
	eval := newTestEvaluator(t)
	if err := eval.SetContext(nil, nil); err != nil {
		t.Fatalf("set context: %v", err)
	}

	_, err := eval.Eval(mustCompile(t, `os.getenv("HOME")`))
	if err == nil {
		t.Fatal("expected error calling os from an expression")
	}
}
