package joinqueue

import (
	"reflect"
	"testing"
)

func TestValidLink(t *testing.T) {
	cases := []struct {
		link string
		ok   bool
	}{
		{"https://chat.whatsapp.com/AbC123xyz", true},
		{"http://chat.whatsapp.com/AbC123xyz", true},
		{"HTTPS://CHAT.WHATSAPP.COM/ABC123", true},
		{"https://wa.me/628123456789", true},
		{"whatsapp://Invite123", true},
		{"  https://chat.whatsapp.com/Trimmed1  ", true},
		{"https://chat.whatsapp.com/", false},
		{"https://chat.whatsapp.com/abc def", false},
		{"https://example.com/group", false},
		{"https://wa.me/notdigits", false},
		{"chat.whatsapp.com/NoScheme", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidLink(tc.link); got != tc.ok {
			t.Errorf("ValidLink(%q) = %v, want %v", tc.link, got, tc.ok)
		}
	}
}

func TestExtractLinks(t *testing.T) {
	text := "join here https://chat.whatsapp.com/First and also\n" +
		"https://chat.whatsapp.com/Second, plus https://chat.whatsapp.com/First again " +
		"and a contact https://wa.me/628111 too"
	got := ExtractLinks(text)
	want := []string{
		"https://chat.whatsapp.com/First",
		"https://chat.whatsapp.com/Second",
		"https://wa.me/628111",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractLinks = %v, want %v", got, want)
	}
}

func TestExtractLinksNone(t *testing.T) {
	if got := ExtractLinks("no links in this message"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestExtractLinksKeepsInvalidCandidates(t *testing.T) {
	// Malformed links must survive extraction so enqueue can count
	// them as errors instead of silently dropping them.
	got := ExtractLinks("https://example.com/not-whatsapp")
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %v", got)
	}
	if ValidLink(got[0]) {
		t.Fatalf("candidate should fail validation: %q", got[0])
	}
}
