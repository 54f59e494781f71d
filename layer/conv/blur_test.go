package conv

import "testing"

func TestNewBlurRejectsEvenKernel(t *testing.T) {
	if _, err := NewBlur(1, BlurBuilder{Name: "bad", Width: 8, Height: 8, Channels: 4, KernelSize: 4}); err == nil {
		t.Fatal("expected error for even kernel size")
	}
}

func TestGaussianWeightsSumToOne(t *testing.T) {
	w := gaussianWeights(5)
	var sum float32
	for _, v := range w {
		sum += v
	}
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("gaussian weights sum = %f, want ~1", sum)
	}
}

func TestBoxWeightsUniform(t *testing.T) {
	w := boxWeights(3)
	for _, v := range w {
		if v != 1.0/3.0 {
			t.Fatalf("box weight = %f, want 1/3", v)
		}
	}
}
