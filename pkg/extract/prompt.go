package extract

import (
	"strings"

	"github.com/evermem/evermem/pkg/llm"
)

// Typed outputs for the structured LLM calls. The json tags define the
// response schemas handed to the model.

// summaryOut matches the episode summary schema.
type summaryOut struct {
	Subject      string   `json:"subject"`
	Summary      string   `json:"summary"`
	Episode      string   `json:"episode"`
	Participants []string `json:"participants"`
	Keywords     []string `json:"keywords"`
}

// factsOut matches the atomic fact extraction schema.
type factsOut struct {
	Facts []string `json:"facts"`
}

// foresightOut matches the foresight generation schema.
type foresightOut struct {
	Foresights []foresightItem `json:"foresights"`
}

type foresightItem struct {
	Content      string `json:"content"`
	Evidence     string `json:"evidence"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	DurationDays int    `json:"duration_days"`
}

// profileOut matches the profile update schema.
type profileOut struct {
	Profile string `json:"profile"`
}

var (
	summarySchema   = llm.SchemaFor[summaryOut]()
	factsSchema     = llm.SchemaFor[factsOut]()
	foresightSchema = llm.SchemaFor[foresightOut]()
	profileSchema   = llm.SchemaFor[profileOut]()
)

const summaryPrompt = `You are a memory summarizer. Compress one closed conversation episode into a structured memory record.

## Instructions

1. Read the conversation transcript carefully.
2. Write a short subject line (a few words) naming what the episode is about.
3. Write a concise summary (1-3 sentences) capturing the key information.
4. Write the episode as a brief third-person narrative of what happened.
5. List the participants by the names used in the transcript.
6. Extract keywords useful for search indexing.

## Rules

- Only include information stated in the transcript.
- Keep the subject under ten words.
- If the conversation is in Chinese, write in Chinese. Match the language of the conversation.`

const factsPrompt = `You are a fact extractor. Pull out the atomic facts a long-term memory should keep from one conversation episode.

## Instructions

1. Read the conversation transcript carefully.
2. Extract each distinct fact as one short declarative sentence.
3. Name people explicitly; never leave a bare pronoun as the subject.
4. Prefer durable facts (preferences, events, plans, relationships) over small talk.

## Rules

- Every fact must be grounded in the transcript, not inferred beyond it.
- One claim per sentence. No compound sentences.
- Return an empty list when the conversation contains nothing worth keeping.
- Match the language of the conversation.`

// buildForesightPrompt anchors relative dates in the transcript to the
// episode's local date.
func buildForesightPrompt(today string) string {
	return foresightPrompt + "\n\nToday's date is " + today + "."
}

const foresightPrompt = `You are a foresight generator. From one conversation episode, predict upcoming events or needs worth remembering, each with the date range it applies to.

## Instructions

1. Read the conversation transcript carefully.
2. Write up to 10 foresights. Each is one sentence about something likely to matter later (an appointment, a trip, a deadline, a recurring need).
3. Quote the transcript line supporting each foresight as its evidence.
4. Fill start_time and end_time as YYYY-MM-DD dates when the transcript pins them down; use duration_days for spans given in days. Leave fields empty when the transcript gives no dates.

## Rules

- Only predict from explicit statements; no speculation beyond the transcript.
- Dates must be plain YYYY-MM-DD with no extra words.
- Match the language of the conversation.`

// buildProfilePrompt embeds the user's current profile so the model
// rewrites it instead of starting over.
func buildProfilePrompt(name, current string) string {
	var sb strings.Builder
	sb.WriteString(profilePrompt)
	sb.WriteString("\n\n## User\n\nThe profile is about ")
	sb.WriteString(name)
	sb.WriteString(".")
	if current != "" {
		sb.WriteString("\n\n## Current profile\n\n")
		sb.WriteString(current)
	}
	return sb.String()
}

const profilePrompt = `You are a profile maintainer. Update one user's long-term profile from a conversation episode they took part in.

## Instructions

1. Read the current profile (when present) and the conversation transcript.
2. Merge durable new information about the user into the profile: identity, preferences, habits, relationships, important dates.
3. Keep everything that is still true; correct what the conversation contradicts.
4. Write the result as short labeled lines, one aspect per line.

## Rules

- The profile describes the user only, not the assistant or other speakers.
- Keep it factual and compact; no narrative.
- Match the language of the conversation.
- When the episode adds nothing about this user, return the current profile unchanged.`
