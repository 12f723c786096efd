package nextdata

import "testing"

func TestBootstrap(t *testing.T) {
	html := []byte(`<html><head></head><body>
<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"count":2}}}</script>
</body></html>`)

	data, err := Bootstrap(html)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if got := Dig(data, "props", "pageProps", "count"); got != 2.0 {
		t.Errorf("Dig(props.pageProps.count) = %v, want 2", got)
	}
}

func TestBootstrap_MissingScript(t *testing.T) {
	if _, err := Bootstrap([]byte("<html><body>plain page</body></html>")); err == nil {
		t.Fatal("Bootstrap() on page without __NEXT_DATA__ succeeded, want error")
	}
}

func TestStreamChunks(t *testing.T) {
	html := []byte(`<script>self.__next_f.push([1,"c1:{\"id\":7}\n"])</script>` +
		`<script>self.__next_f.push([1,"second chunk"])</script>`)

	chunks := StreamChunks(html)
	if len(chunks) != 2 {
		t.Fatalf("StreamChunks() returned %d chunks, want 2", len(chunks))
	}
	if chunks[0] != "c1:{\"id\":7}\n" {
		t.Errorf("first chunk = %q", chunks[0])
	}
	if chunks[1] != "second chunk" {
		t.Errorf("second chunk = %q", chunks[1])
	}
}

func TestBalancedObject(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1} trailing`, `{"a":1}`, true},
		{`{"a":{"b":2}},next`, `{"a":{"b":2}}`, true},
		{`{"s":"brace } inside"}`, `{"s":"brace } inside"}`, true},
		{`{"s":"escaped \" quote }"}`, `{"s":"escaped \" quote }"}`, true},
		{`{"unterminated":`, "", false},
		{`not json`, "", false},
	}
	for _, tt := range tests {
		got, ok := BalancedObject(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("BalancedObject(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestObjectsWithPrefix(t *testing.T) {
	chunk := `noise {"@type":"ItemList","n":1} more {"@type":"ItemList","n":2} tail`
	objs := ObjectsWithPrefix(chunk, `{"@type":"ItemList"`)
	if len(objs) != 2 {
		t.Fatalf("ObjectsWithPrefix() returned %d objects, want 2", len(objs))
	}
	if objs[0]["n"] != 1.0 || objs[1]["n"] != 2.0 {
		t.Errorf("objects = %v", objs)
	}
}

func TestWalk_FindsNestedNode(t *testing.T) {
	tree := map[string]any{
		"a": []any{
			map[string]any{"slug": "rents"},
			map[string]any{"slug": "transactions", "url": "/t"},
		},
	}

	var found map[string]any
	Walk(tree, func(node any) bool {
		m, ok := node.(map[string]any)
		if ok && m["slug"] == "transactions" {
			found = m
			return false
		}
		return true
	})
	if found == nil || found["url"] != "/t" {
		t.Errorf("Walk() found %v, want the transactions node", found)
	}
}
