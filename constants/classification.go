package constants

// Classification is the result of inspecting a PDF for a usable text layer.
type Classification string

const (
	ClassificationScanned Classification = "scanned"
	ClassificationDigital Classification = "digital"
	ClassificationUnknown Classification = "unknown"
)

// Confidence tags which extraction layer produced an accepted invoice.
type Confidence string

const (
	ConfidenceRuleMatched      Confidence = "rule-matched"
	ConfidenceHeuristicMatched Confidence = "heuristic-matched"
	ConfidencePartial          Confidence = "partial"
)
