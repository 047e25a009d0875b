package pubsub

import "testing"

func TestTopics_PureNaming(t *testing.T) {
	topics := Topics{Prefix: "callstream"}

	if got := topics.Audio("call-A"); got != "callstream:audio:call-A" {
		t.Errorf("unexpected audio topic: %s", got)
	}
	if got := topics.Transcript("call-A"); got != "callstream:transcript:call-A" {
		t.Errorf("unexpected transcript topic: %s", got)
	}
	if got := topics.Control(); got != "callstream:control" {
		t.Errorf("unexpected control topic: %s", got)
	}

	// Producer and consumer must derive identical names independently.
	if topics.Audio("call-A") != (Topics{Prefix: "callstream"}).Audio("call-A") {
		t.Error("topic naming is not a pure function of its inputs")
	}
}

func TestTopics_Class(t *testing.T) {
	topics := Topics{Prefix: "callstream"}

	cases := []struct {
		topic string
		want  string
	}{
		{topics.Audio("x"), ClassAudio},
		{topics.Transcript("x"), ClassTranscript},
		{topics.Control(), ClassControl},
	}
	for _, c := range cases {
		if got := topics.Class(c.topic); got != c.want {
			t.Errorf("Class(%s) = %s, want %s", c.topic, got, c.want)
		}
	}
}
