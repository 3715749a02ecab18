package convo

import "testing"

func TestCuratedDropsInvalidModelTurn(t *testing.T) {
	h := NewHistory()
	h.Append(Content{Role: RoleUser, Parts: []Part{TextPart("hi")}})
	h.Append(Content{Role: RoleModel, Parts: []Part{TextPart("   ")}})

	curated := h.Curated()
	if len(curated) != 1 {
		t.Fatalf("expected invalid model turn dropped, got %d entries", len(curated))
	}
}

func TestCuratedDropsThoughtOnlyTurnEntirely(t *testing.T) {
	h := NewHistory()
	h.Append(Content{Role: RoleUser, Parts: []Part{TextPart("hi")}})
	h.Append(Content{Role: RoleModel, Parts: []Part{ThoughtPart("thinking")}})

	curated := h.Curated()
	if len(curated) != 1 {
		t.Fatalf("expected thought-only turn dropped once its Thought part is stripped, got %d entries", len(curated))
	}
}

func TestCuratedStripsThoughtFromMixedTurn(t *testing.T) {
	h := NewHistory()
	h.Append(Content{Role: RoleUser, Parts: []Part{TextPart("hi")}})
	h.Append(Content{Role: RoleModel, Parts: []Part{ThoughtPart("thinking"), TextPart("answer")}})

	curated := h.Curated()
	if len(curated) != 2 {
		t.Fatalf("expected both turns to survive curation, got %d entries", len(curated))
	}
	for _, p := range curated[1].Parts {
		if p.Kind == PartThought {
			t.Fatalf("expected Thought part stripped from curated history, got %+v", curated[1].Parts)
		}
	}
	if len(curated[1].Parts) != 1 || curated[1].Parts[0].Text != "answer" {
		t.Fatalf("expected only the text part to survive curation, got %+v", curated[1].Parts)
	}
}

func TestRecordConsolidatesAdjacentText(t *testing.T) {
	h := NewHistory()
	h.Record(Content{Role: RoleUser, Parts: []Part{TextPart("q")}}, []Content{
		{Role: RoleModel, Parts: []Part{TextPart("a")}},
		{Role: RoleModel, Parts: []Part{TextPart("b")}},
	})

	raw := h.Raw()
	if len(raw) != 2 {
		t.Fatalf("expected consolidation to 2 entries, got %d", len(raw))
	}
	if raw[1].Parts[0].Text != "ab" {
		t.Fatalf("expected consolidated text 'ab', got %q", raw[1].Parts[0].Text)
	}
}

func TestPopRollsBackLastEntry(t *testing.T) {
	h := NewHistory()
	h.Append(Content{Role: RoleUser, Parts: []Part{TextPart("hi")}})
	h.Pop()
	if h.Len() != 0 {
		t.Fatalf("expected Pop to remove the entry, len=%d", h.Len())
	}
}

func TestFirstEntryMustBeUser(t *testing.T) {
	h := NewHistory()
	h.Append(Content{Role: RoleUser, Parts: []Part{TextPart("hi")}})
	if h.Raw()[0].Role != RoleUser {
		t.Fatalf("expected first entry role=user")
	}
}
