package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"decyra/internal/config"
	"decyra/internal/models"
)

const defaultModel = "gemini-3-flash-preview"

const audioPrompt = `Act as an expert university note-taker.

Your goal: turn the audio of a lecture into perfect study material.

Specific instructions:
1. Transcribe the audio faithfully.
2. Produce structured notes (NOT a plain summary, but an academic rewrite of the content).
3. Identify key concepts and define them.
4. Capture examples and analogies that help when studying.
5. Detect likely exam questions or open doubts.

Style: academic, clear, direct, no filler words, organized for studying.`

const transcriptPromptFmt = `Act as an expert university note-taker. The transcript of a lecture has been corrected and the notes must be regenerated from this new text.

LECTURE TEXT:
"%s"

Instructions:
1. Keep the transcript exactly as given (it is the corrected version).
2. Regenerate the academic summary from this new version.
3. Regenerate the key concepts and definitions.
4. Rewrite the detailed notes so they match the new content exactly.
5. Update class tasks and study questions.

Output strict JSON.`

// analysisSchema constrains the model response to the Analysis document.
var analysisSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"transcript": {
			Type:        genai.TypeString,
			Description: "A faithful, full transcription of the lecture.",
		},
		"academicSummary": {
			Type:        genai.TypeString,
			Description: "A clear, academic summary of the lecture (1-2 paragraphs) for quick review.",
		},
		"keyConcepts": {
			Type:        genai.TypeArray,
			Description: "Key concepts, definitions, models, or formulas discussed.",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"term":       {Type: genai.TypeString, Description: "The concept, term, or principle name."},
					"definition": {Type: genai.TypeString, Description: "A clear definition based on the lecture."},
				},
				Required: []string{"term", "definition"},
			},
		},
		"detailedNotes": {
			Type:        genai.TypeString,
			Description: "Comprehensive, well-structured study notes rewriting the lecture content in clear academic language. This is the main study material.",
		},
		"examples": {
			Type:        genai.TypeArray,
			Description: "Specific examples, case studies, or analogies used to explain concepts.",
			Items:       &genai.Schema{Type: genai.TypeString},
		},
		"studyQuestions": {
			Type:        genai.TypeArray,
			Description: "Potential exam questions, doubts raised in class, or points needing review.",
			Items:       &genai.Schema{Type: genai.TypeString},
		},
		"classTasks": {
			Type:        genai.TypeArray,
			Description: "Administrative items like homework, exam dates, or required readings.",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"task": {Type: genai.TypeString, Description: "The specific homework, reading, or exam."},
					"type": {Type: genai.TypeString, Enum: []string{"Assignment", "Exam", "Reading", "Other"}},
					"date": {Type: genai.TypeString, Description: "Due date if mentioned, otherwise empty."},
				},
				Required: []string{"task", "type"},
			},
		},
	},
	Required: []string{"transcript", "academicSummary", "keyConcepts", "detailedNotes", "examples", "studyQuestions", "classTasks"},
}

// Gemini is the production Gateway backed by the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini builds the Gemini gateway from config, falling back to the
// GEMINI_API_KEY environment variable for the key.
func NewGemini(ctx context.Context, cfg config.GeminiConfig) (*Gemini, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Gemini{client: client, model: model}, nil
}

// AnalyzeAudio transcribes and summarizes raw lecture audio.
func (g *Gemini) AnalyzeAudio(ctx context.Context, audio []byte, mimeType string) (*models.Analysis, error) {
	if len(audio) == 0 {
		return nil, errors.New("audio payload is empty")
	}
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	parts := []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: mimeType, Data: audio}},
		{Text: audioPrompt},
	}
	return g.generate(ctx, parts)
}

// AnalyzeTranscript regenerates the full document from a corrected transcript.
func (g *Gemini) AnalyzeTranscript(ctx context.Context, transcript string) (*models.Analysis, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, errors.New("transcript is empty")
	}
	parts := []*genai.Part{
		{Text: fmt.Sprintf(transcriptPromptFmt, transcript)},
	}
	return g.generate(ctx, parts)
}

func (g *Gemini) generate(ctx context.Context, parts []*genai.Part) (*models.Analysis, error) {
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   analysisSchema,
		Temperature:      genai.Ptr[float32](0.2),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return DecodeAnalysis(resp.Text())
}
