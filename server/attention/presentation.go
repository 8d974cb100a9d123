package attention

const (
	FocusedThreshold = 80
	PresentThreshold = 40

	LabelFocused    = "Focused"
	LabelDistracted = "Distracted"
	LabelNotPresent = "Not present"

	ColorFocused    = "#22c55e"
	ColorDistracted = "#eab308"
	ColorNotPresent = "#ef4444"
)

func Label(score int) string {
	switch {
	case score >= FocusedThreshold:
		return LabelFocused
	case score >= PresentThreshold:
		return LabelDistracted
	default:
		return LabelNotPresent
	}
}

func Color(score int) string {
	switch {
	case score >= FocusedThreshold:
		return ColorFocused
	case score >= PresentThreshold:
		return ColorDistracted
	default:
		return ColorNotPresent
	}
}
