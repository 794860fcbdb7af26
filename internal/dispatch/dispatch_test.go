package dispatch

import "testing"

func TestChunkTextRoundTrip(t *testing.T) {
	text := "short message"
	chunks := chunkText(text, 100)
	if len(chunks) != 1 || chunks[0] != text {
		t.Fatalf("expected single unchanged chunk, got %+v", chunks)
	}
}

func TestChunkTextSplitsOnParagraphBoundary(t *testing.T) {
	para1 := "first paragraph with some words in it for padding purposes here"
	para2 := "second paragraph also has some words for padding purposes as well"
	text := para1 + "\n\n" + para2

	chunks := chunkText(text, len(para1)+10)
	if len(chunks) != 2 {
		t.Fatalf("expected split into 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0] != para1 {
		t.Fatalf("expected first chunk to be the first paragraph, got %q", chunks[0])
	}
	if chunks[1] != para2 {
		t.Fatalf("expected second chunk to be the second paragraph, got %q", chunks[1])
	}
}

func TestChunkTextReassemblesWithoutLoss(t *testing.T) {
	text := "aaaaaaaaaa bbbbbbbbbb cccccccccc dddddddddd eeeeeeeeee"
	chunks := chunkText(text, 25)

	var reassembled string
	for i, c := range chunks {
		if i > 0 {
			reassembled += " "
		}
		reassembled += c
	}
	if reassembled != text {
		t.Fatalf("round-trip lost content: got %q, want %q", reassembled, text)
	}
}

func TestExtractReplyToStripsDirective(t *testing.T) {
	text, id := extractReplyTo("[[reply-to:msg123]] hello there")
	if id != "msg123" {
		t.Fatalf("expected id msg123, got %q", id)
	}
	if text != "hello there" {
		t.Fatalf("expected directive stripped, got %q", text)
	}
}

func TestExtractReplyToNoDirective(t *testing.T) {
	text, id := extractReplyTo("plain text, no directive")
	if id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
	if text != "plain text, no directive" {
		t.Fatalf("expected unchanged text, got %q", text)
	}
}

func TestIsRenderableRejectsBareThinking(t *testing.T) {
	if isRenderable("<thinking>internal monologue</thinking>") {
		t.Fatalf("bare thinking trace must not be renderable")
	}
	if isRenderable("") {
		t.Fatalf("empty text must not be renderable")
	}
	if !isRenderable("a normal reply") {
		t.Fatalf("normal text must be renderable")
	}
}
