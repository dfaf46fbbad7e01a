package transcript_test

import (
	"testing"

	"github.com/voxbridge/voxbridge/internal/transcript"
)

func TestCorrect_ExactMatchNormalizesCasing(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"NVIDIA"})
	got := c.Correct("tell me about nvidia earnings")
	want := "tell me about NVIDIA earnings"
	if got != want {
		t.Errorf("Correct: want %q, got %q", want, got)
	}
}

func TestCorrect_PhoneticNearMiss(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"Kubernetes"})
	got := c.Correct("deploy it on cubernetes please")
	want := "deploy it on Kubernetes please"
	if got != want {
		t.Errorf("Correct: want %q, got %q", want, got)
	}
}

func TestCorrect_CarriesTrailingPunctuation(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"NVIDIA"})
	got := c.Correct("what about invidia?")
	want := "what about NVIDIA?"
	if got != want {
		t.Errorf("Correct: want %q, got %q", want, got)
	}
}

func TestCorrect_MultiWordHotword(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"Deutsche Bank"})
	got := c.Correct("doiche bank is up today")
	want := "Deutsche Bank is up today"
	if got != want {
		t.Errorf("Correct: want %q, got %q", want, got)
	}
}

func TestCorrect_LeavesDissimilarWordsAlone(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"NVIDIA"})
	in := "the weather is lovely today"
	if got := c.Correct(in); got != in {
		t.Errorf("unrelated text changed: %q", got)
	}
}

func TestCorrect_NoHotwordsIsIdentity(t *testing.T) {
	t.Parallel()

	c := transcript.New(nil)
	in := "anything at all"
	if got := c.Correct(in); got != in {
		t.Errorf("identity violated: %q", got)
	}
	if got := c.Correct(""); got != "" {
		t.Errorf("empty input: got %q", got)
	}
}

func TestCorrect_ThresholdOptions(t *testing.T) {
	t.Parallel()

	// With an impossible threshold nothing gets replaced.
	strict := transcript.New([]string{"NVIDIA"},
		transcript.WithPhoneticThreshold(1.01),
		transcript.WithFuzzyThreshold(1.01),
	)
	in := "what about invidia"
	if got := strict.Correct(in); got != in {
		t.Errorf("strict thresholds still replaced: %q", got)
	}
}
