package diagnostics

// Guidance returns the operator hint shown for a category.
func Guidance(c Category) string {
	switch c {
	case Success:
		return "Match found."
	case MultiAngleSuccess:
		return "Match found using multiple angles."
	case LowConfidenceMatch:
		return "Possible match with low confidence. Capture a clearer, front-facing photo to confirm."
	case NoFaceDetected:
		return "No face was found. Make sure the face is centered, well lit and unobstructed."
	case Timeout:
		return "The service took too long to respond. Check the connection and try again."
	case ServerError:
		return "The recognition service had a problem. Try again in a moment."
	default:
		return "Recognition failed. Try again with a different photo."
	}
}

// Retryable reports whether retaking the photo or resubmitting is likely to help.
func Retryable(c Category) bool {
	switch c {
	case Success, MultiAngleSuccess:
		return false
	default:
		return true
	}
}
