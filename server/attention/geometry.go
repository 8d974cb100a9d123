// Package attention turns facial landmarks into pose and gaze metrics and
// scores them. Everything here is pure; session state lives in package session.
package attention

import (
	"math"

	"github.com/san-kum/eyeq/server/models"
)

const (
	MinFaceKeypoints = 468
	MinIrisKeypoints = 478

	// Nose sits at this fraction of the forehead-chin span when the head is level.
	neutralNoseRatio    = 0.45
	eyesOpenRatio       = 0.15
	gazeNoIrisFallback  = 0.1
	gazeNoWidthFallback = 0.5
)

// FaceMesh landmark indices.
const (
	idxNoseTip       = 1
	idxForeheadTop   = 10
	idxChin          = 152
	idxLeftEar       = 234
	idxRightEar      = 454
	idxLeftEyeInner  = 133
	idxRightEyeInner = 362
	idxLeftEyeOuter  = 33
	idxRightEyeOuter = 263
	idxLeftEyeUpper  = 159
	idxLeftEyeLower  = 145
	idxRightEyeUpper = 386
	idxRightEyeLower = 374
	idxLeftIris      = 468
	idxRightIris     = 473
)

type facePoints struct {
	noseTip, foreheadTop, chin   models.Keypoint
	leftEar, rightEar            models.Keypoint
	leftEyeInner, leftEyeOuter   models.Keypoint
	rightEyeInner, rightEyeOuter models.Keypoint
	leftEyeUpper, leftEyeLower   models.Keypoint
	rightEyeUpper, rightEyeLower models.Keypoint
	leftIris, rightIris          models.Keypoint
}

func at(keypoints []models.Keypoint, i int) models.Keypoint {
	if i < 0 || i >= len(keypoints) {
		return models.Keypoint{}
	}
	return keypoints[i]
}

func extract(keypoints []models.Keypoint) facePoints {
	return facePoints{
		noseTip:       at(keypoints, idxNoseTip),
		foreheadTop:   at(keypoints, idxForeheadTop),
		chin:          at(keypoints, idxChin),
		leftEar:       at(keypoints, idxLeftEar),
		rightEar:      at(keypoints, idxRightEar),
		leftEyeInner:  at(keypoints, idxLeftEyeInner),
		leftEyeOuter:  at(keypoints, idxLeftEyeOuter),
		rightEyeInner: at(keypoints, idxRightEyeInner),
		rightEyeOuter: at(keypoints, idxRightEyeOuter),
		leftEyeUpper:  at(keypoints, idxLeftEyeUpper),
		leftEyeLower:  at(keypoints, idxLeftEyeLower),
		rightEyeUpper: at(keypoints, idxRightEyeUpper),
		rightEyeLower: at(keypoints, idxRightEyeLower),
		leftIris:      at(keypoints, idxLeftIris),
		rightIris:     at(keypoints, idxRightIris),
	}
}

// Analyze converts a landmark array into a FaceAnalysis. Arrays shorter than
// MinFaceKeypoints yield models.NoFace. PhoneDetected is always false here;
// the phone detector runs separately and is merged before scoring.
func Analyze(keypoints []models.Keypoint) models.FaceAnalysis {
	if len(keypoints) < MinFaceKeypoints {
		return models.NoFace
	}

	p := extract(keypoints)
	return models.FaceAnalysis{
		FaceDetected:  true,
		Yaw:           yaw(p),
		Pitch:         pitch(p),
		GazeDeviation: gazeDeviation(p, len(keypoints) >= MinIrisKeypoints),
		EyesOpen:      eyesOpen(p),
	}
}

func yaw(p facePoints) float64 {
	left := math.Abs(p.noseTip.X - p.leftEar.X)
	right := math.Abs(p.noseTip.X - p.rightEar.X)
	total := left + right
	if total == 0 {
		return 0
	}
	return (right - left) / total * 90
}

func pitch(p facePoints) float64 {
	span := math.Abs(p.foreheadTop.Y - p.chin.Y)
	if span == 0 {
		return 0
	}
	nose := (p.noseTip.Y - p.foreheadTop.Y) / span
	return (nose - neutralNoseRatio) * -90
}

func eyesOpen(p facePoints) bool {
	leftWidth := math.Abs(p.leftEyeOuter.X - p.leftEyeInner.X)
	rightWidth := math.Abs(p.rightEyeOuter.X - p.rightEyeInner.X)
	if leftWidth == 0 || rightWidth == 0 {
		return false
	}

	leftRatio := math.Abs(p.leftEyeUpper.Y-p.leftEyeLower.Y) / leftWidth
	rightRatio := math.Abs(p.rightEyeUpper.Y-p.rightEyeLower.Y) / rightWidth
	return (leftRatio+rightRatio)/2 > eyesOpenRatio
}

func gazeDeviation(p facePoints, hasIris bool) float64 {
	if !hasIris {
		return gazeNoIrisFallback
	}

	leftWidth := math.Abs(p.leftEyeOuter.X - p.leftEyeInner.X)
	rightWidth := math.Abs(p.rightEyeOuter.X - p.rightEyeInner.X)
	if leftWidth == 0 || rightWidth == 0 {
		return gazeNoWidthFallback
	}

	leftX := math.Abs(p.leftIris.X-(p.leftEyeOuter.X+p.leftEyeInner.X)/2) / leftWidth
	rightX := math.Abs(p.rightIris.X-(p.rightEyeOuter.X+p.rightEyeInner.X)/2) / rightWidth
	leftY := irisOffsetY(p.leftIris, p.leftEyeUpper, p.leftEyeLower)
	rightY := irisOffsetY(p.rightIris, p.rightEyeUpper, p.rightEyeLower)

	return math.Hypot((leftX+rightX)/2, (leftY+rightY)/2)
}

func irisOffsetY(iris, upper, lower models.Keypoint) float64 {
	height := math.Abs(upper.Y - lower.Y)
	if height <= 0 {
		return 0
	}
	return math.Abs(iris.Y-(upper.Y+lower.Y)/2) / height
}
