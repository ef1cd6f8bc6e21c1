package classifier

import (
	"reflect"
	"testing"
)

func TestSuggest(t *testing.T) {
	got := Suggest([]string{
		"Paper or trash visible on the floor",
		"windows with stains or fingerprints",
		"seats with dust or residue",
		"dirty handrails",
		"check corners and edges",
	})
	want := []string{
		"pick up and dispose of trash from floor and seats",
		"clean windows with a cloth and glass cleaner",
		"wipe or vacuum dusty surfaces",
		"clean handrails with disinfectant",
		"review and clean the affected area",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Suggest = %v, want %v", got, want)
	}
}

func TestSuggestEmpty(t *testing.T) {
	got := Suggest(nil)
	if len(got) != 1 || got[0] != SuggestionGeneralCleaning {
		t.Fatalf("unexpected suggestions %v", got)
	}
}
