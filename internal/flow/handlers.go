package flow

import (
	"fmt"
	"strings"
)

// Vocabularies used by the default handlers.
var (
	affirmationWords  = []string{"yes", "yeah", "yep", "correct", "right", "exactly", "proceed"}
	rejectionWords    = []string{"no", "nope", "wrong", "incorrect", "different"}
	continuationWords = []string{"more", "another", "also", "else"}
	farewellWords     = []string{"thank", "thanks", "goodbye", "bye"}
	welcomingWords    = []string{"happy", "glad", "help"}
)

const (
	welcomePrefix      = "I'm happy to help with that."
	gatheredText       = "Thank you for that information. Let me help you with that."
	solutionPrefix     = "Here's what I can do to help: "
	solutionSuffix     = " Does this solution work for you?"
	confirmedPrefix    = "Great! I'll proceed with that. "
	rejectedPrefix     = "I understand. Let me try a different approach. "
	closingSuffix      = " Thank you for calling. Is there anything else I can help you with?"
	fallbackText       = "I'm having trouble understanding. Can you please rephrase that?"
	handoffConfidence  = 0.2
	highConfidence     = 0.8
	moderateConfidence = 0.5
)

var handoffTexts = []string{
	"I apologize for the confusion. Let me transfer you to a human agent who can better assist you.",
	"I'm having trouble understanding your request. Would you like to speak with a human representative?",
	"Let me connect you with one of our specialists who can help you better.",
}

var processingPrefixes = [3]string{
	"Let me look into that for you.",
	"I'm checking on that now.",
	"Let me find the best solution for you.",
}

// defaultHandlers returns the built-in handler for every state.
func defaultHandlers() map[State]HandlerFunc {
	return map[State]HandlerFunc{
		StateGreeting:          handleGreeting,
		StateGatheringInfo:     handleGathering,
		StateProcessingRequest: handleProcessing,
		StateProvidingSolution: handleSolution,
		StateConfirming:        handleConfirming,
		StateClosing:           handleClosing,
		StateErrorHandling:     handleErrorHandling,
	}
}

func passthrough(in *TurnInput, text string, next State) Outcome {
	return Outcome{
		Text:       text,
		Confidence: in.Base.Confidence,
		Action:     in.Base.Action,
		Next:       next,
	}
}

func handleGreeting(in *TurnInput) (Outcome, error) {
	absorb(in.Context, in.UserInput)
	text := in.Base.Text
	if !containsAny(text, welcomingWords...) {
		text = strings.TrimSpace(welcomePrefix + " " + text)
	}
	return passthrough(in, text, StateGatheringInfo), nil
}

func handleGathering(in *TurnInput) (Outcome, error) {
	found := absorb(in.Context, in.UserInput)
	if HasSufficientInformation(in.Context) {
		out := passthrough(in, gatheredText, StateProcessingRequest)
		out.Metadata = map[string]any{"extracted": found}
		return out, nil
	}
	text := strings.TrimSpace(fmt.Sprintf("%s Could you also tell me about %s?", in.Base.Text, MissingInformation(in.Context)))
	out := passthrough(in, text, StateGatheringInfo)
	out.Metadata = map[string]any{"extracted": found}
	return out, nil
}

func handleProcessing(in *TurnInput) (Outcome, error) {
	var prefix string
	switch c := in.Base.Confidence; {
	case c > highConfidence:
		prefix = processingPrefixes[0]
	case c > moderateConfidence:
		prefix = processingPrefixes[1]
	default:
		prefix = processingPrefixes[2]
	}
	next := StateProcessingRequest
	if in.Base.Action != "" || in.Base.Confidence > highConfidence {
		next = StateProvidingSolution
	}
	return passthrough(in, strings.TrimSpace(prefix+" "+in.Base.Text), next), nil
}

func handleSolution(in *TurnInput) (Outcome, error) {
	return passthrough(in, solutionPrefix+in.Base.Text+solutionSuffix, StateConfirming), nil
}

// IsAffirmation reports whether a caller utterance confirms. Mixed or
// neutral input counts as confirmation.
func IsAffirmation(input string) bool {
	yes := containsAny(input, affirmationWords...)
	no := containsAny(input, rejectionWords...)
	return !(no && !yes)
}

func handleConfirming(in *TurnInput) (Outcome, error) {
	confirmed := IsAffirmation(in.UserInput)
	var out Outcome
	if confirmed {
		out = passthrough(in, confirmedPrefix+in.Base.Text, StateClosing)
	} else {
		out = passthrough(in, rejectedPrefix+in.Base.Text, StateGatheringInfo)
	}
	out.Metadata = map[string]any{"confirmed": confirmed}
	return out, nil
}

func handleClosing(in *TurnInput) (Outcome, error) {
	next := StateClosing
	if containsAny(in.UserInput, continuationWords...) {
		next = StateGatheringInfo
	}
	text := in.Base.Text
	if !containsAny(text, farewellWords...) {
		text = strings.TrimSpace(text + closingSuffix)
	}
	return passthrough(in, text, next), nil
}

// handleErrorHandling always recommends a human hand-off. Wording escalates
// with the number of errors seen before the escalation.
func handleErrorHandling(in *TurnInput) (Outcome, error) {
	idx := min(max(in.ErrorCount-1, 0), len(handoffTexts)-1)
	return Outcome{
		Text:       handoffTexts[idx],
		Confidence: handoffConfidence,
		Action:     ActionTransfer,
		Next:       StateGatheringInfo,
		Metadata:   map[string]any{"error_count": in.ErrorCount},
	}, nil
}
