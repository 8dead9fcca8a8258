package snapshot_test

import (
	"strings"
	"testing"

	"formline/internal/domain"
	"formline/internal/snapshot"
)

func sampleProgram() snapshot.Program {
	limit := 5
	return snapshot.Program{
		Name:    "benefits",
		Version: 2,
		Content: domain.ProgramContent{
			Visibility: domain.VisibilityPublic,
			Blocks:     []domain.Block{{ID: 1, Name: "about", Questions: []domain.QuestionRef{{Name: "first", Version: 3}}}},
		},
		Questions: []domain.QuestionDefinition{{
			Name:    "first",
			Version: 3,
			State:   domain.StateActive,
			QuestionContent: domain.QuestionContent{
				Type:       domain.TypeText,
				Text:       "First name",
				Validation: domain.ValidationRules{MaxLength: &limit},
			},
		}},
	}
}

func TestProgramDigestIsDeterministic(t *testing.T) {
	a, digestA, err := snapshot.EncodeProgram(sampleProgram())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, digestB, err := snapshot.EncodeProgram(sampleProgram())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if digestA != digestB {
		t.Fatalf("digest not stable: %s vs %s", digestA, digestB)
	}
	if !strings.HasPrefix(digestA, "blake3:") || len(digestA) != len("blake3:")+64 {
		t.Fatalf("unexpected digest format %q", digestA)
	}
	if !snapshot.VerifyProgram(a, digestA) {
		t.Fatalf("verify failed for untouched snapshot")
	}
	a[len(a)-1] ^= 0xff
	if snapshot.VerifyProgram(a, digestA) {
		t.Fatalf("verify should fail after tampering")
	}
}

func TestProgramSnapshotKeepsPinnedContent(t *testing.T) {
	data, _, err := snapshot.EncodeProgram(sampleProgram())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := snapshot.DecodeProgram(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Questions) != 1 || got.Questions[0].Text != "First name" || got.Questions[0].Version != 3 {
		t.Fatalf("unexpected questions %+v", got.Questions)
	}
	if ml := got.Questions[0].Validation.MaxLength; ml == nil || *ml != 5 {
		t.Fatalf("validation rules lost: %+v", got.Questions[0].Validation)
	}
	if got.Content.Blocks[0].Questions[0].Version != 3 {
		t.Fatalf("pin lost: %+v", got.Content.Blocks[0])
	}
}

func TestSubmissionAndProgramDigestsDiffer(t *testing.T) {
	_, programDigest, err := snapshot.EncodeProgram(snapshot.Program{Name: "x"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, submissionDigest, err := snapshot.EncodeSubmission(snapshot.Submission{ProgramName: "x"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if programDigest == submissionDigest {
		t.Fatalf("digest domains should differ")
	}
}
