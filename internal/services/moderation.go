package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/whisper-trust/internal/models"
	"github.com/AnshRaj112/whisper-trust/pkg/utils"
)

const (
	DefaultModerationTimeout = 5 * time.Second
	DefaultHighThreshold     = 0.8
	DefaultMaxContentLength  = utils.DefaultMaxContentLength

	reasonSystemFailure = "moderation system failure"
)

// severeCategories escalate regardless of score.
var severeCategories = map[string]bool{
	"harassment/threatening": true,
	"hate/threatening":       true,
	"self-harm/intent":       true,
	"sexual/minors":          true,
	"violence/graphic":       true,
}

// Keyword dictionaries for the local signal attached to failed classifier runs.
var baseThreatWords = []string{
	"rape", "kill", "murder", "assault", "attack", "harm", "hurt",
	"shoot", "stab", "strangle", "threat", "threatening", "revenge",
	"slaughter", "massacre",
}

var baseSelfHarmWords = []string{
	"suicide", "kill myself", "end my life", "take my life", "end it all",
	"self harm", "cut myself", "hurt myself", "want to die", "better off dead",
	"unalive",
}

var obfuscationReplacer = strings.NewReplacer(
	"@", "a", "4", "a", "3", "e", "!", "i", "1", "i", "0", "o",
	"$", "s", "5", "s", "7", "t", "+", "t",
	"а", "a", // Cyrillic
	"е", "e",
	"і", "i",
	"о", "o",
	"р", "p",
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// CleanText lowercases text, undoes common character substitutions, drops
// non-letters and collapses repeated letters ("kiiiill" -> "kil").
func CleanText(text string) string {
	cleaned := obfuscationReplacer.Replace(strings.ToLower(text))

	var b strings.Builder
	for _, r := range cleaned {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	cleaned = collapseRepeats(b.String())
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(cleaned, " "))
}

func collapseRepeats(text string) string {
	var b strings.Builder
	var last rune
	for i, r := range text {
		if i > 0 && r == last && unicode.IsLetter(r) {
			continue
		}
		b.WriteRune(r)
		last = r
	}
	return b.String()
}

// containsWords matches single words on word boundaries and phrases by
// substring. Dictionary entries are collapsed the same way as the input.
func containsWords(cleaned string, dictionary []string) []string {
	words := make(map[string]bool)
	for _, w := range strings.Fields(cleaned) {
		words[w] = true
	}
	var matched []string
	for _, entry := range dictionary {
		canonical := collapseRepeats(entry)
		if strings.Contains(canonical, " ") {
			if strings.Contains(cleaned, canonical) {
				matched = append(matched, entry)
			}
		} else if words[canonical] {
			matched = append(matched, entry)
		}
	}
	return matched
}

// CheckContent runs the local keyword dictionaries against message.
func CheckContent(message string) (hasThreat bool, hasSelfHarm bool, matched []string) {
	cleaned := CleanText(message)
	if m := containsWords(cleaned, baseThreatWords); len(m) > 0 {
		hasThreat = true
		matched = append(matched, m...)
	}
	if m := containsWords(cleaned, baseSelfHarmWords); len(m) > 0 {
		hasSelfHarm = true
		matched = append(matched, m...)
	}
	return hasThreat, hasSelfHarm, matched
}

// ModerationLog is the append-only store of moderation records.
type ModerationLog interface {
	Append(ctx context.Context, record models.ModerationRecord) error
	// History returns records for one submission, oldest first.
	History(ctx context.Context, submissionID string) ([]models.ModerationRecord, error)
	// Recent returns the newest records with the given status.
	Recent(ctx context.Context, status models.ModerationStatus, limit int) ([]models.ModerationRecord, error)
}

type ModerationConfig struct {
	Timeout          time.Duration
	HighThreshold    float64
	MaxContentLength int
}

func (c ModerationConfig) withDefaults() ModerationConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultModerationTimeout
	}
	if c.HighThreshold <= 0 || c.HighThreshold > 1 {
		c.HighThreshold = DefaultHighThreshold
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	return c
}

// Moderator runs the two-stage moderation pass and records the outcome.
type Moderator struct {
	classifier  Classifier
	records     ModerationLog
	submissions SubmissionStore
	cfg         ModerationConfig
	clock       Clock
	log         zerolog.Logger
}

func NewModerator(classifier Classifier, records ModerationLog, submissions SubmissionStore, cfg ModerationConfig, clock Clock, log zerolog.Logger) *Moderator {
	if clock == nil {
		clock = SystemClock
	}
	return &Moderator{
		classifier:  classifier,
		records:     records,
		submissions: submissions,
		cfg:         cfg.withDefaults(),
		clock:       clock,
		log:         log.With().Str("component", "moderation").Logger(),
	}
}

// Moderate evaluates content, appends a record and moves the submission out
// of pending. Critical validator findings never reach the classifier, and a
// classifier failure never produces a clean record.
func (m *Moderator) Moderate(ctx context.Context, content, submissionID, identity string) (models.ModerationRecord, error) {
	record := m.evaluate(ctx, content)
	record.ID = uuid.NewString()
	record.SubmissionID = submissionID
	record.Identity = identity
	record.CreatedAt = m.clock.Now()

	if err := m.records.Append(ctx, record); err != nil {
		return models.ModerationRecord{}, fmt.Errorf("append moderation record: %w", err)
	}
	moderationDecisionCount.WithLabelValues(string(record.Status)).Inc()

	if m.submissions != nil && submissionID != "" {
		if err := m.applyStatus(ctx, submissionID, record.Status); err != nil {
			return record, err
		}
	}

	m.log.Info().
		Str("submission_id", submissionID).
		Str("status", string(record.Status)).
		Float64("score", record.Score).
		Msg("moderation decision")
	return record, nil
}

// Rereview moderates the stored submission again. A rereview can hide a
// published submission but never publishes a hidden one.
func (m *Moderator) Rereview(ctx context.Context, submissionID string) (models.ModerationRecord, error) {
	if m.submissions == nil {
		return models.ModerationRecord{}, ErrNotFound
	}
	sub, err := m.submissions.Get(ctx, submissionID)
	if err != nil {
		return models.ModerationRecord{}, err
	}
	return m.Moderate(ctx, sub.Content, sub.ID, sub.Identity)
}

func (m *Moderator) History(ctx context.Context, submissionID string) ([]models.ModerationRecord, error) {
	return m.records.History(ctx, submissionID)
}

func (m *Moderator) Recent(ctx context.Context, status models.ModerationStatus, limit int) ([]models.ModerationRecord, error) {
	return m.records.Recent(ctx, status, limit)
}

func (m *Moderator) evaluate(ctx context.Context, content string) models.ModerationRecord {
	result := utils.ValidateContent(content, m.cfg.MaxContentLength)
	if result.RiskLevel == utils.RiskCritical {
		threats := make([]string, len(result.Threats))
		for i, t := range result.Threats {
			threats[i] = string(t)
		}
		return models.ModerationRecord{
			Status:            models.ModerationEscalated,
			Score:             1,
			Reason:            "critical threat: " + strings.Join(threats, ", "),
			FlaggedCategories: threats,
			CategoryScores:    map[string]float64{},
		}
	}

	classifyCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	c, err := m.classifier.Classify(classifyCtx, result.SanitizedContent)
	classifierDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		classifierFailureCount.Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			m.log.Warn().Dur("timeout", m.cfg.Timeout).Msg("classifier timed out, escalating")
		} else {
			m.log.Warn().Err(err).Msg("classifier failed, escalating")
		}
		return failureRecord(content)
	}

	return decide(c, m.cfg.HighThreshold)
}

// failureRecord is written when the classifier could not answer. The local
// keyword signal is attached for reviewers.
func failureRecord(content string) models.ModerationRecord {
	rec := models.ModerationRecord{
		Status:            models.ModerationEscalated,
		Reason:            reasonSystemFailure,
		FlaggedCategories: []string{},
		CategoryScores:    map[string]float64{},
	}
	hasThreat, hasSelfHarm, _ := CheckContent(content)
	if hasThreat {
		rec.FlaggedCategories = append(rec.FlaggedCategories, "keyword/threat")
	}
	if hasSelfHarm {
		rec.FlaggedCategories = append(rec.FlaggedCategories, "keyword/self-harm")
	}
	return rec
}

func decide(c Classification, highThreshold float64) models.ModerationRecord {
	flagged := c.FlaggedCategories()
	sort.Strings(flagged)
	scores := c.Scores
	if scores == nil {
		scores = map[string]float64{}
	}

	if !c.Flagged && len(flagged) == 0 {
		return models.ModerationRecord{
			Status:            models.ModerationClean,
			Score:             0,
			Reason:            "no categories flagged",
			FlaggedCategories: []string{},
			CategoryScores:    scores,
		}
	}

	rec := models.ModerationRecord{
		Status:            models.ModerationFlagged,
		Score:             c.MaxScore(),
		FlaggedCategories: flagged,
		CategoryScores:    scores,
	}
	if rec.FlaggedCategories == nil {
		rec.FlaggedCategories = []string{}
	}

	var severe []string
	for _, name := range flagged {
		if severeCategories[name] {
			severe = append(severe, name)
		}
	}
	switch {
	case len(severe) > 0:
		rec.Status = models.ModerationEscalated
		rec.Reason = "severe category: " + strings.Join(severe, ", ")
	case rec.Score >= highThreshold:
		rec.Status = models.ModerationEscalated
		rec.Reason = fmt.Sprintf("high confidence %.2f: %s", rec.Score, strings.Join(flagged, ", "))
	case len(flagged) == 0:
		rec.Reason = "flagged by classifier"
	default:
		rec.Reason = "flagged: " + strings.Join(flagged, ", ")
	}
	return rec
}

var statusRank = map[models.ModerationStatus]int{
	models.ModerationPending:   0,
	models.ModerationClean:     1,
	models.ModerationFlagged:   2,
	models.ModerationEscalated: 3,
}

func (m *Moderator) applyStatus(ctx context.Context, submissionID string, status models.ModerationStatus) error {
	sub, err := m.submissions.Get(ctx, submissionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}
	if statusRank[status] <= statusRank[sub.Status] {
		return nil
	}
	if err := m.submissions.SetStatus(ctx, submissionID, status); err != nil {
		return fmt.Errorf("set submission status: %w", err)
	}
	return nil
}
