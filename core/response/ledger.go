package response

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/blake2b"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/survey"
)

// re-submission policies
const (
	ResubmitAcknowledge = "acknowledge"
	ResubmitReject      = "reject"
)

var (
	// errors
	ErrDraftNotFound       = errors.New("draft not found")
	ErrAlreadySubmitted    = errors.New("a response was already received for this assignment")
	ErrAssignmentCancelled = errors.New("assignment was cancelled")
	ErrInvalidDraft        = errors.New("draft answers must be a JSON array or object")
)

var submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "encuestas_submissions_total",
	Help: "Survey submissions, by outcome (recorded|already_received|rejected|unassigned)",
}, []string{"outcome"})

// metadata keys renamed when copied from the assignment, to the names the warehouse load reads
var assignmentKeyRemap = map[string]string{
	"docente": "profesor",
	"materia": "asignatura",
}

const recipientHashKey = "hash_usuario"

type Config struct {
	// AllowMissingAssignment records submissions that match no assignment instead of rejecting them.
	AllowMissingAssignment bool
	// ResubmitPolicy tells what to do with a submission for an assignment already done:
	// ResubmitAcknowledge answers with the prior receipt without writing, ResubmitReject fails.
	ResubmitPolicy string
	HashSalt       string
}

func NewConfig(conf *core.Config) Config {
	return Config{
		AllowMissingAssignment: conf.Intake.AllowMissingAssignment,
		ResubmitPolicy:         conf.Intake.ResubmitPolicy,
		HashSalt:               conf.HashSalt,
	}
}

type (
	SurveyGetter interface {
		GetSurvey(ctx context.Context, id int64) (survey.Survey, error)
	}

	AssignmentFinder interface {
		FindAssignment(ctx context.Context, key assignment.Key) (assignment.Assignment, error)
		GetAssignment(ctx context.Context, id int64) (assignment.Assignment, error)
	}

	// Ledger records completed responses.
	Ledger struct {
		store       Store
		surveys     SurveyGetter
		assignments AssignmentFinder
		conf        Config
		hashKey     []byte
		logger      core.Logger
	}
)

var nowFunc = time.Now // mockable

func NewLedger(store Store, surveys SurveyGetter, assignments AssignmentFinder, conf Config, logger core.Logger) *Ledger {
	if conf.ResubmitPolicy == "" {
		conf.ResubmitPolicy = ResubmitAcknowledge
	}
	// blake2b keys are at most 64 bytes: key with the digest of the salt
	key := blake2b.Sum256([]byte(conf.HashSalt))
	return &Ledger{
		store:       store,
		surveys:     surveys,
		assignments: assignments,
		conf:        conf,
		hashKey:     key[:],
		logger:      logger,
	}
}

// Submit validates and records a submission: one transaction with its answers, the matching
// assignment set to done and its draft removed, in a single commit.
func (l *Ledger) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	sub.Clean()

	srv, err := l.surveys.GetSurvey(ctx, sub.SurveyID)
	if err != nil {
		return Receipt{}, err
	}
	if err = checkMembership(srv, sub.Answers); err != nil {
		submissionsTotal.WithLabelValues("rejected").Inc()
		return Receipt{}, err
	}

	var asg *assignment.Assignment
	key := assignment.Key{RecipientID: sub.RecipientID, SurveyID: sub.SurveyID, ContextReference: sub.ContextReference}
	found, err := l.assignments.FindAssignment(ctx, key)
	switch {
	case err == nil:
		asg = &found
	case errors.Cause(err) == assignment.ErrNotFound:
		if !l.conf.AllowMissingAssignment {
			return Receipt{}, err
		}
		l.logger.Warn(fmt.Sprintf("submission for survey %d matches no assignment", sub.SurveyID))
	default:
		return Receipt{}, errors.Wrap(err, "finding assignment")
	}

	if asg != nil {
		if rcpt, settled, err := l.settled(*asg); settled {
			return rcpt, err
		}
	}

	now := nowFunc().UTC()
	txn := Transaction{
		SurveyID:    sub.SurveyID,
		CompletedAt: now,
		Metadata:    l.mergeMetadata(sub, asg),
		Answers:     make([]Answer, 0, len(sub.Answers)),
	}
	for i, a := range sub.Answers {
		txn.Answers = append(txn.Answers, Answer{QuestionID: a.QuestionID, OptionID: a.OptionID, Text: a.Text, Order: i})
	}

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return Receipt{}, errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// completing first locks the assignment row until commit
	if asg != nil {
		if err = tx.CompleteAssignment(ctx, asg.ID, now); err != nil {
			if errors.Cause(err) == assignment.ErrNotPending {
				_ = tx.Rollback()
				return l.concurrentlySettled(ctx, asg.ID)
			}
			return Receipt{}, errors.Wrap(err, "completing assignment")
		}
	}
	txnID, err := tx.InsertTransaction(ctx, txn)
	if err != nil {
		return Receipt{}, errors.Wrap(err, "inserting response transaction")
	}
	rcpt := Receipt{TransactionID: txnID}
	if asg != nil {
		if err = tx.DeleteDraft(ctx, asg.ID); err != nil {
			return Receipt{}, errors.Wrap(err, "deleting draft")
		}
		rcpt.AssignmentID = &asg.ID
	}
	if err = tx.Commit(); err != nil {
		if asg != nil && errors.Cause(err) == assignment.ErrNotPending {
			return l.concurrentlySettled(ctx, asg.ID)
		}
		return Receipt{}, errors.Wrap(err, "committing response")
	}

	if asg != nil {
		submissionsTotal.WithLabelValues("recorded").Inc()
	} else {
		submissionsTotal.WithLabelValues("unassigned").Inc()
	}
	return rcpt, nil
}

// settled answers a submission for an assignment that is no longer pending, following the
// resubmit policy. It reports false for a pending assignment.
func (l *Ledger) settled(asg assignment.Assignment) (Receipt, bool, error) {
	switch asg.Status {
	case assignment.StatusDone:
		if l.conf.ResubmitPolicy == ResubmitReject {
			submissionsTotal.WithLabelValues("rejected").Inc()
			return Receipt{}, true, ErrAlreadySubmitted
		}
		submissionsTotal.WithLabelValues("already_received").Inc()
		return Receipt{AssignmentID: &asg.ID, AlreadyReceived: true}, true, nil
	case assignment.StatusCancelled:
		return Receipt{}, true, core.NewValidationError(ErrAssignmentCancelled)
	}
	return Receipt{}, false, nil
}

// concurrentlySettled handles an assignment that changed status between lookup and write.
func (l *Ledger) concurrentlySettled(ctx context.Context, assignmentID int64) (Receipt, error) {
	current, err := l.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Receipt{}, errors.Wrap(err, "reloading assignment")
	}
	if rcpt, settled, err := l.settled(current); settled {
		return rcpt, err
	}
	return Receipt{}, errors.Wrapf(assignment.ErrNotPending, "assignment %d", assignmentID)
}

// checkMembership rejects the whole submission if any answer references a question outside the
// survey, or an option outside its question.
func checkMembership(srv survey.Survey, answers []AnswerInput) error {
	invalid := make(map[int64]bool)
	for _, a := range answers {
		q, ok := srv.Question(a.QuestionID)
		if !ok || (a.OptionID != nil && !hasOption(q, *a.OptionID)) {
			invalid[a.QuestionID] = true
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(invalid))
	for id := range invalid {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &RejectedError{SurveyID: srv.ID, QuestionIDs: ids}
}

func hasOption(q survey.Question, optionID int64) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// mergeMetadata builds the transaction context: the submitted metadata, the recipient hash, then the
// assignment's metadata for keys not set yet, with docente/materia also exposed as profesor/asignatura.
func (l *Ledger) mergeMetadata(sub Submission, asg *assignment.Assignment) map[string]interface{} {
	merged := make(map[string]interface{}, len(sub.Metadata)+8)
	for k, v := range sub.Metadata {
		merged[k] = v
	}
	merged[recipientHashKey] = l.hashRecipient(sub.RecipientID)

	if asg == nil {
		return merged
	}
	for k, v := range asg.Metadata {
		if target, ok := assignmentKeyRemap[k]; ok {
			if _, set := merged[target]; !set {
				merged[target] = v
			}
		}
		if _, set := merged[k]; !set {
			merged[k] = v
		}
	}
	return merged
}

// hashRecipient is a keyed blake2b-256 digest: stable per deployment salt, not reversible.
func (l *Ledger) hashRecipient(recipientID string) string {
	h, err := blake2b.New256(l.hashKey)
	if err != nil { // only fails on keys longer than 64 bytes
		panic(err)
	}
	_, _ = h.Write([]byte(recipientID))
	return hex.EncodeToString(h.Sum(nil))
}

// SaveDraft creates or replaces the draft of an assignment still pending.
func (l *Ledger) SaveDraft(ctx context.Context, assignmentID int64, in DraftInput) (Draft, error) {
	raw := bytes.TrimSpace(in.Answers)
	if !json.Valid(raw) || (raw[0] != '[' && raw[0] != '{') {
		return Draft{}, core.NewValidationError(ErrInvalidDraft, core.FieldError{Field: "answers", Error: ErrInvalidDraft.Error()})
	}

	asg, err := l.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Draft{}, err
	}
	switch asg.Status {
	case assignment.StatusDone:
		return Draft{}, ErrAlreadySubmitted
	case assignment.StatusCancelled:
		return Draft{}, core.NewValidationError(ErrAssignmentCancelled)
	}

	return l.store.UpsertDraft(ctx, Draft{AssignmentID: asg.ID, Answers: json.RawMessage(raw), UpdatedAt: nowFunc().UTC()})
}

func (l *Ledger) GetDraft(ctx context.Context, assignmentID int64) (Draft, error) {
	return l.store.GetDraft(ctx, assignmentID)
}
