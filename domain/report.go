package domain

import "time"

// Report is a generated multi-audience report document. Its internal shape
// is owned by the report generator; the engine and persistence treat the
// sections as opaque.
type Report struct {
	ID           string                 `json:"id" bson:"_id"`
	AssessmentID string                 `json:"assessment_id" bson:"assessment_id"`
	Audience     string                 `json:"audience" bson:"audience"`
	Title        string                 `json:"title" bson:"title"`
	Sections     map[string]interface{} `json:"sections,omitempty" bson:"sections,omitempty"`
	QualityScore float64                `json:"quality_score,omitempty" bson:"quality_score,omitempty"`
	GeneratedAt  time.Time              `json:"generated_at" bson:"generated_at"`
}
