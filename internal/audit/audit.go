// Package audit records credit gate and executor decisions for devcast.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/fentz26/devcast/internal/models"
)

// Sink persists audit records.
type Sink interface {
	WriteAudit(action, inputsHash, outcome, subject, details string) (*models.AuditRecord, error)
}

// Recorder writes audit records for every credit-affecting decision.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a new audit recorder. A nil sink disables recording.
func NewRecorder(s Sink) *Recorder {
	return &Recorder{sink: s}
}

// Record writes an audit record. Failures are logged and otherwise ignored;
// the audit trail never blocks the action it describes.
func (r *Recorder) Record(action string, inputs interface{}, outcome, subject, details string) {
	if r == nil || r.sink == nil {
		return
	}
	if _, err := r.sink.WriteAudit(action, hashInputs(inputs), outcome, subject, details); err != nil {
		log.Printf("audit: failed to record %s: %v", action, err)
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
