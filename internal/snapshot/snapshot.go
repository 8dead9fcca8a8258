// Package snapshot freezes published programs and submitted applications as
// deterministic CBOR with a keyed BLAKE3 digest.
package snapshot

import (
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"formline/internal/domain"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

type domainKey [32]byte

// Digest keys are ASCII names zero-padded to 32 bytes. Changing them
// invalidates every stored digest of that kind.
var (
	programKey = domainKey{
		'f', 'o', 'r', 'm', 'l', 'i', 'n', 'e', '.', 'p', 'r', 'o', 'g', 'r', 'a', 'm',
	}
	submissionKey = domainKey{
		'f', 'o', 'r', 'm', 'l', 'i', 'n', 'e', '.', 's', 'u', 'b', 'm', 'i', 's', 's', 'i', 'o', 'n',
	}
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

// Program is the frozen form of a published program version: its pinned
// blocks plus the exact question versions they pin.
type Program struct {
	Name      string                      `cbor:"name"`
	Version   int                         `cbor:"version"`
	Content   domain.ProgramContent       `cbor:"content"`
	Questions []domain.QuestionDefinition `cbor:"questions"`
}

// Submission is the frozen payload of a submitted application. Only answers
// of visible blocks are included.
type Submission struct {
	ApplicationID  string          `cbor:"application_id" json:"application_id"`
	ApplicantID    string          `cbor:"applicant_id" json:"applicant_id"`
	ProgramName    string          `cbor:"program_name" json:"program_name"`
	ProgramVersion int             `cbor:"program_version" json:"program_version"`
	ProgramDigest  string          `cbor:"program_digest" json:"program_digest"`
	SubmittedAt    string          `cbor:"submitted_at" json:"submitted_at"`
	Answers        []domain.Answer `cbor:"answers" json:"answers"`
}

func EncodeProgram(p Program) ([]byte, string, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("encode program snapshot: %w", err)
	}
	return data, digest(programKey, data), nil
}

func DecodeProgram(data []byte) (Program, error) {
	var p Program
	if err := decMode.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode program snapshot: %w", err)
	}
	return p, nil
}

func EncodeSubmission(s Submission) ([]byte, string, error) {
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, "", fmt.Errorf("encode submission: %w", err)
	}
	return data, digest(submissionKey, data), nil
}

func DecodeSubmission(data []byte) (Submission, error) {
	var s Submission
	if err := decMode.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode submission: %w", err)
	}
	return s, nil
}

// VerifyProgram reports whether data still hashes to want.
func VerifyProgram(data []byte, want string) bool {
	return digest(programKey, data) == want
}

func digest(key domainKey, data []byte) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("snapshot: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return "blake3:" + hex.EncodeToString(hasher.Sum(nil))
}
