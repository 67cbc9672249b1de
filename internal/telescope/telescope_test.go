package telescope

import (
	"math"
	"testing"
)

func TestLookupByNameAndAlias(t *testing.T) {
	tab := Default()
	for _, name := range []string{"GBT", "gbt", "Green Bank", "green_bank"} {
		s, ok := tab.ByName(name)
		if !ok || s.ID != 6 {
			t.Fatalf("lookup %q: %+v %v", name, s, ok)
		}
	}
	if _, ok := tab.ByName("Nowhere"); ok {
		t.Fatalf("unknown telescope resolved")
	}
}

func TestLongitude(t *testing.T) {
	cases := map[string]float64{
		"GBT":        -79.84,
		"Parkes":     148.26,
		"Effelsberg": 6.88,
		"MeerKAT":    21.44,
	}
	tab := Default()
	for name, want := range cases {
		s, _ := tab.ByName(name)
		if got := s.Longitude(); math.Abs(got-want) > 0.01 {
			t.Errorf("%s longitude %.4f want %.2f", name, got, want)
		}
	}
	fake, _ := tab.ByID(0)
	if fake.Longitude() != 0 || fake.Latitude() != 0 {
		t.Fatalf("fake site should sit at the origin")
	}
}

func TestResolveFallsBackToID(t *testing.T) {
	tab := Default()
	s, ok := Resolve(tab, "unknown scope", 8)
	if !ok || s.Name != "Effelsberg" {
		t.Fatalf("resolve: %+v %v", s, ok)
	}
	if _, ok := Resolve(tab, "", 999); ok {
		t.Fatalf("unexpected match for id 999")
	}
}

func TestAddOverrides(t *testing.T) {
	tab := Default()
	tab.Add(Site{Name: "Westerbork", ID: 99, Aliases: []string{"WSRT"}, X: 3828750, Y: 442589, Z: 5064921})
	s, ok := tab.ByName("wsrt")
	if !ok || s.ID != 99 {
		t.Fatalf("added site not found: %+v", s)
	}
	names := tab.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}
