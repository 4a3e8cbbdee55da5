package model

import "time"

// EvaluationVerdicts carries the per-component verdict labels returned by the
// evaluation collaborator.
type EvaluationVerdicts struct {
	Bias         string `json:"bias"`
	Toxicity     string `json:"toxicity"`
	Relevancy    string `json:"relevancy"`
	Faithfulness string `json:"faithfulness"`
}

// EvaluationPayload is the scoring collaborator's result for one item.
// Component scores are in [0,1]; OverallScore is derived by the collaborator.
type EvaluationPayload struct {
	ID                string             `json:"id"`
	BiasScore         float64            `json:"bias_score"`
	ToxicityScore     float64            `json:"toxicity_score"`
	RelevancyScore    float64            `json:"relevancy_score"`
	FaithfulnessScore float64            `json:"faithfulness_score"`
	OverallScore      float64            `json:"overall_score"`
	Verdicts          EvaluationVerdicts `json:"verdicts"`
	Reasoning         string             `json:"reasoning,omitempty"`
	EvaluatedAt       time.Time          `json:"evaluated_at"`
}

// EvaluationRequest is the wire request sent to the evaluation collaborator.
type EvaluationRequest struct {
	ProjectID    string `json:"projectId"`
	UserID       string `json:"userId"`
	Category     string `json:"category"`
	QuestionText string `json:"questionText"`
	UserResponse string `json:"userResponse"`
}

// EvaluationResponse is the wire response from the evaluation collaborator.
type EvaluationResponse struct {
	Success    bool               `json:"success"`
	Evaluation *EvaluationPayload `json:"evaluation,omitempty"`
	Error      string             `json:"error,omitempty"`
}
