package models

// GreenConfidence is the confidence at or above which a balanced extraction on known assets is GREEN.
const GreenConfidence = 0.90

// GradeExtraction assigns the review traffic light for a candidate line set.
// knownAssets holds the asset ids that exist.
func GradeExtraction(lines []LineInput, confidence float64, knownAssets map[int]bool) TrafficLight {
	for _, l := range lines {
		if !knownAssets[l.AssetId] {
			return TrafficLightRed
		}
	}
	if ValidateLines(lines) != nil {
		return TrafficLightRed
	}
	if confidence < GreenConfidence {
		return TrafficLightYellow
	}
	return TrafficLightGreen
}

// ReviewPriority is the default governance priority for a graded extraction.
func ReviewPriority(light TrafficLight) TaskPriority {
	switch light {
	case TrafficLightRed:
		return TaskPriorityCritical
	case TrafficLightYellow:
		return TaskPriorityHigh
	default:
		return TaskPriorityMedium
	}
}

func ReviewTitle(light TrafficLight) string {
	switch light {
	case TrafficLightRed:
		return "Review extraction: unknown asset or unbalanced lines"
	case TrafficLightYellow:
		return "Review extraction: low confidence"
	default:
		return "Review extraction"
	}
}
