package attention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/eyeq/server/models"
)

// frontalFace builds an n-point landmark array for a centered, level face
// with open eyes and irises in the middle of each eye.
func frontalFace(n int) []models.Keypoint {
	kps := make([]models.Keypoint, n)
	set := func(i int, x, y float64) {
		if i < n {
			kps[i] = models.Keypoint{X: x, Y: y}
		}
	}

	set(idxNoseTip, 0.5, 0.2+neutralNoseRatio*0.6)
	set(idxForeheadTop, 0.5, 0.2)
	set(idxChin, 0.5, 0.8)
	set(idxLeftEar, 0.3, 0.45)
	set(idxRightEar, 0.7, 0.45)

	set(idxLeftEyeOuter, 0.35, 0.39)
	set(idxLeftEyeInner, 0.45, 0.39)
	set(idxLeftEyeUpper, 0.40, 0.38)
	set(idxLeftEyeLower, 0.40, 0.40)
	set(idxRightEyeInner, 0.55, 0.39)
	set(idxRightEyeOuter, 0.65, 0.39)
	set(idxRightEyeUpper, 0.60, 0.38)
	set(idxRightEyeLower, 0.60, 0.40)

	set(idxLeftIris, 0.40, 0.39)
	set(idxRightIris, 0.60, 0.39)
	return kps
}

func TestAnalyze_TooFewKeypoints(t *testing.T) {
	for _, n := range []int{0, 1, 467} {
		got := Analyze(frontalFace(n))
		assert.Equal(t, models.NoFace, got, "n=%d", n)
	}
	assert.Equal(t, models.NoFace, Analyze(nil))
}

func TestAnalyze_FrontalFace(t *testing.T) {
	got := Analyze(frontalFace(MinIrisKeypoints))

	require.True(t, got.FaceDetected)
	assert.InDelta(t, 0, got.Yaw, 1e-9)
	assert.InDelta(t, 0, got.Pitch, 1e-9)
	assert.InDelta(t, 0, got.GazeDeviation, 1e-9)
	assert.True(t, got.EyesOpen)
	assert.False(t, got.PhoneDetected)
}

func TestAnalyze_Idempotent(t *testing.T) {
	kps := frontalFace(MinIrisKeypoints)
	kps[idxNoseTip].X = 0.43
	kps[idxLeftIris].X = 0.42

	first := Analyze(kps)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Analyze(kps))
	}
}

func TestAnalyze_Yaw(t *testing.T) {
	tests := []struct {
		name     string
		leftEar  float64
		rightEar float64
		want     float64
	}{
		{name: "turned toward right ear", leftEar: 0.2, rightEar: 0.6, want: -45},
		{name: "turned toward left ear", leftEar: 0.4, rightEar: 0.8, want: 45},
		{name: "ears on the nose", leftEar: 0.5, rightEar: 0.5, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kps := frontalFace(MinFaceKeypoints)
			kps[idxLeftEar].X = tt.leftEar
			kps[idxRightEar].X = tt.rightEar
			assert.InDelta(t, tt.want, Analyze(kps).Yaw, 1e-9)
		})
	}
}

func TestAnalyze_Pitch(t *testing.T) {
	t.Run("nose low means looking down", func(t *testing.T) {
		kps := frontalFace(MinFaceKeypoints)
		kps[idxNoseTip].Y = 0.2 + 0.6*0.6
		assert.InDelta(t, -90*(0.6-neutralNoseRatio), Analyze(kps).Pitch, 1e-9)
	})

	t.Run("zero span", func(t *testing.T) {
		kps := frontalFace(MinFaceKeypoints)
		kps[idxChin].Y = kps[idxForeheadTop].Y
		assert.Equal(t, 0.0, Analyze(kps).Pitch)
	})
}

func TestAnalyze_EyesOpen(t *testing.T) {
	t.Run("closed lids", func(t *testing.T) {
		kps := frontalFace(MinFaceKeypoints)
		kps[idxLeftEyeUpper].Y = 0.39
		kps[idxLeftEyeLower].Y = 0.39
		kps[idxRightEyeUpper].Y = 0.39
		kps[idxRightEyeLower].Y = 0.395
		assert.False(t, Analyze(kps).EyesOpen)
	})

	t.Run("zero eye width", func(t *testing.T) {
		kps := frontalFace(MinFaceKeypoints)
		kps[idxRightEyeOuter].X = kps[idxRightEyeInner].X
		assert.False(t, Analyze(kps).EyesOpen)
	})
}

func TestAnalyze_GazeDeviation(t *testing.T) {
	t.Run("no iris landmarks", func(t *testing.T) {
		assert.Equal(t, gazeNoIrisFallback, Analyze(frontalFace(MinFaceKeypoints)).GazeDeviation)
	})

	t.Run("zero eye width", func(t *testing.T) {
		kps := frontalFace(MinIrisKeypoints)
		kps[idxLeftEyeOuter].X = kps[idxLeftEyeInner].X
		assert.Equal(t, gazeNoWidthFallback, Analyze(kps).GazeDeviation)
	})

	t.Run("horizontal offset", func(t *testing.T) {
		kps := frontalFace(MinIrisKeypoints)
		kps[idxLeftIris].X += 0.03
		kps[idxRightIris].X += 0.03
		assert.InDelta(t, 0.3, Analyze(kps).GazeDeviation, 1e-9)
	})

	t.Run("both axes", func(t *testing.T) {
		kps := frontalFace(MinIrisKeypoints)
		kps[idxLeftIris].X += 0.03
		kps[idxRightIris].X += 0.03
		kps[idxLeftIris].Y += 0.008
		kps[idxRightIris].Y += 0.008
		assert.InDelta(t, 0.5, Analyze(kps).GazeDeviation, 1e-9)
	})

	t.Run("zero eye height ignores vertical axis", func(t *testing.T) {
		kps := frontalFace(MinIrisKeypoints)
		kps[idxLeftEyeUpper].Y = kps[idxLeftEyeLower].Y
		kps[idxRightEyeUpper].Y = kps[idxRightEyeLower].Y
		kps[idxLeftIris].Y = 0.9
		kps[idxRightIris].Y = 0.9
		assert.InDelta(t, 0, Analyze(kps).GazeDeviation, 1e-9)
	})
}
