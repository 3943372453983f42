package stage

import "testing"

func TestChainTopology(t *testing.T) {
	order := []string{Collect, Process, Render, Publish}
	for i, name := range order {
		st, err := Lookup(name)
		if err != nil {
			t.Fatalf("lookup %s: %s", name, err)
		}
		if st.Queue != name+"-requests" {
			t.Errorf("%s: unexpected queue %q", name, st.Queue)
		}
		if i < len(order)-1 {
			if st.Next != order[i+1] {
				t.Errorf("%s: expected next %q, got %q", name, order[i+1], st.Next)
			}
		} else if st.Next != "" {
			t.Errorf("publish must be terminal, got next %q", st.Next)
		}
	}
}

func TestLookupUnknownStage(t *testing.T) {
	if _, err := Lookup("archive"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestDownstreamQueueDiffersFromOwn(t *testing.T) {
	for _, name := range Names() {
		st, _ := Lookup(name)
		if st.Next == "" {
			continue
		}
		next, err := Lookup(st.Next)
		if err != nil {
			t.Fatalf("next stage of %s: %s", name, err)
		}
		if next.Queue == st.Queue {
			t.Errorf("%s relays to its own queue", name)
		}
	}
}
