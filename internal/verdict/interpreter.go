// Package verdict turns oracle output into a trustworthy verification
// verdict. The oracle is slow, untrusted, and occasionally malformed, so
// every failure path here resolves to a safe rejection instead of an error.
package verdict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"habitquest/api/internal/oracle"
	"habitquest/api/internal/progression"
)

// Confidence levels the oracle may report. Anything else is coerced to
// medium.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Verdict is the structured outcome of one verification attempt.
type Verdict struct {
	Verified    bool
	Explanation string
	Confidence  string
	XPEarned    int
}

// HabitMeta is what the oracle needs to know about the habit being verified.
type HabitMeta struct {
	Name              string
	Description       string
	ProofRequirements string
}

// Evidence describes what the user actually submitted for this attempt.
type Evidence struct {
	ImageData []byte
	ImageMIME string
	Note      string
	// ImageFailure carries the normalization error when an image was supplied
	// but could not be prepared; the oracle is told about it honestly.
	ImageFailure string
}

// Safe-fail explanations, one per failure cause so users and operators can
// tell what went wrong without seeing the raw error.
const (
	explUnauthorized = "Verification is misconfigured on the server. Please contact support."
	explBadRequest   = "The verifier could not accept the submitted image. Try a different format or a smaller file."
	explOverloaded   = "The verification service is busy right now. Please try again in a moment."
	explRateLimited  = "Too many verification requests right now. Please wait a minute and try again."
	explUnexpected   = "Verification failed unexpectedly. Please try again."
	explUnparsable   = "AI response could not be parsed."
	explNoAnswer     = "AI gave an unexpected response."
	explIncomplete   = "AI gave an incomplete response."

	defaultVerifiedExplanation = "Evidence checks out. Habit verified."
	defaultRejectedExplanation = "The evidence did not clearly show the habit was completed."
)

type Interpreter struct {
	oracle oracle.Oracle
	logger *zap.Logger
}

func NewInterpreter(o oracle.Oracle, logger *zap.Logger) *Interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{oracle: o, logger: logger}
}

// Evaluate obtains and validates a verdict for one attempt. It never returns
// an error: transport failures and malformed oracle output all resolve to a
// rejected verdict with a cause-specific explanation and zero XP.
func (i *Interpreter) Evaluate(ctx context.Context, habit HabitMeta, ev Evidence) Verdict {
	bundle := oracle.Bundle{
		ImageData:   ev.ImageData,
		ImageMIME:   ev.ImageMIME,
		Instruction: buildInstruction(habit, ev),
	}

	raw, err := i.oracle.Interpret(ctx, bundle)
	if err != nil {
		return i.safeFail(habit.Name, err)
	}

	return i.parse(habit.Name, raw)
}

// safeFail maps a transport failure onto the taxonomy. The original cause is
// logged for operators; the user sees only the explanation.
func (i *Interpreter) safeFail(habitName string, err error) Verdict {
	explanation := explUnexpected
	kind := "unexpected"
	switch {
	case errors.Is(err, oracle.ErrUnauthorized):
		explanation = explUnauthorized
		kind = "unauthorized"
	case errors.Is(err, oracle.ErrBadRequest):
		explanation = explBadRequest
		kind = "bad_request"
	case errors.Is(err, oracle.ErrOverloaded):
		explanation = explOverloaded
		kind = "overloaded"
	case errors.Is(err, oracle.ErrRateLimited):
		explanation = explRateLimited
		kind = "rate_limited"
	}
	i.logger.Error("oracle call failed",
		zap.String("habit", habitName),
		zap.String("kind", kind),
		zap.Error(err),
	)
	return Verdict{Verified: false, Explanation: explanation, Confidence: ConfidenceMedium}
}

// oracleAnswer is the reply shape the oracle is instructed to produce.
// Verified stays raw so a string-shaped "true" is caught instead of silently
// accepted.
type oracleAnswer struct {
	Verified    json.RawMessage `json:"verified"`
	Explanation string          `json:"explanation"`
	Confidence  string          `json:"confidence"`
}

// parse applies the defensive pipeline: strip markdown fences, locate the
// first balanced JSON object, decode, and validate field shapes.
func (i *Interpreter) parse(habitName, raw string) Verdict {
	text := stripFences(raw)

	region := firstJSONObject(text)
	if region == "" {
		i.logger.Warn("oracle reply contained no structured answer",
			zap.String("habit", habitName),
			zap.Int("reply_len", len(raw)),
		)
		return Verdict{Verified: false, Explanation: explNoAnswer, Confidence: ConfidenceMedium}
	}

	var answer oracleAnswer
	if err := json.Unmarshal([]byte(region), &answer); err != nil {
		i.logger.Warn("oracle reply failed to decode",
			zap.String("habit", habitName),
			zap.Error(err),
		)
		return Verdict{Verified: false, Explanation: explUnparsable, Confidence: ConfidenceMedium}
	}

	var verified bool
	if len(answer.Verified) == 0 || json.Unmarshal(answer.Verified, &verified) != nil {
		i.logger.Warn("oracle reply verified flag missing or not boolean",
			zap.String("habit", habitName),
		)
		return Verdict{Verified: false, Explanation: explIncomplete, Confidence: ConfidenceMedium}
	}

	confidence := strings.ToLower(strings.TrimSpace(answer.Confidence))
	switch confidence {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
	default:
		confidence = ConfidenceMedium
	}

	explanation := strings.TrimSpace(answer.Explanation)
	if explanation == "" {
		if verified {
			explanation = defaultVerifiedExplanation
		} else {
			explanation = defaultRejectedExplanation
		}
	}

	verdict := Verdict{Verified: verified, Explanation: explanation, Confidence: confidence}
	if verified {
		verdict.XPEarned = progression.RewardForConfidence(confidence)
	}
	return verdict
}

// buildInstruction composes the single instruction block sent alongside the
// image: habit context, an honest inventory of the supplied evidence, the
// fixed decision policy, and the required reply shape.
func buildInstruction(habit HabitMeta, ev Evidence) string {
	var b strings.Builder

	b.WriteString("You are verifying whether a person completed a personal habit today.\n\n")
	fmt.Fprintf(&b, "Habit: %s\n", habit.Name)
	if habit.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", habit.Description)
	}
	if habit.ProofRequirements != "" {
		fmt.Fprintf(&b, "What counts as valid proof: %s\n", habit.ProofRequirements)
	}

	b.WriteString("\nEvidence supplied:\n")
	if len(ev.ImageData) > 0 {
		b.WriteString("- A photo is attached to this message.\n")
	} else {
		b.WriteString("- No photo was supplied.\n")
	}
	if ev.Note != "" {
		fmt.Fprintf(&b, "- Note from the user: %q\n", ev.Note)
	}
	if ev.ImageFailure != "" {
		fmt.Fprintf(&b, "- The user supplied an image but it could not be processed (%s), so judge on the note alone.\n", ev.ImageFailure)
	}

	b.WriteString(`
Decision policy:
- Clear photo evidence matching the proof criteria: verified, confidence "high".
- Plausible but ambiguous photo evidence: verified, confidence "medium" or "low".
- No photo but a reasonable note: verified, confidence "low".
- No credible evidence: not verified.

Reply with ONLY a JSON object in exactly this shape and nothing else:
{"verified": true or false, "explanation": "one or two short sentences", "confidence": "high", "medium", or "low"}
`)

	return b.String()
}

// stripFences removes a surrounding markdown code fence the oracle may add
// despite instructions.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line, e.g. ```json.
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// firstJSONObject returns the first balanced {...} region in the text, or ""
// when none exists. Braces inside JSON strings are skipped.
func firstJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
