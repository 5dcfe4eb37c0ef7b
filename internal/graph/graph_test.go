package graph

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func buildGraph(t *testing.T, names []string, deps map[string][]string) *StageGraph {
	t.Helper()
	g := New()
	if err := g.Build(names, deps); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return g
}

func TestTopologicalOrder_Linear(t *testing.T) {
	g := buildGraph(t, []string{"build", "deploy", "smoke"}, map[string][]string{
		"deploy": {"build"},
		"smoke":  {"deploy"},
	})

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder error: %v", err)
	}
	want := []string{"build", "deploy", "smoke"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
}

func TestTopologicalOrder_TieBreakByDeclaration(t *testing.T) {
	// zeta is declared before alpha; both are dependency-free, so zeta must
	// come first even though alpha sorts first alphabetically.
	g := buildGraph(t, []string{"zeta", "alpha", "omega"}, map[string][]string{
		"omega": {"zeta", "alpha"},
	})

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder error: %v", err)
	}
	want := []string{"zeta", "alpha", "omega"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("expected declaration order %v, got %v", want, order)
	}
}

func TestTopologicalOrder_Deterministic(t *testing.T) {
	names := []string{"e", "d", "c", "b", "a"}
	first, err := buildGraph(t, names, nil).TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := buildGraph(t, names, nil).TopologicalOrder()
		if err != nil {
			t.Fatalf("TopologicalOrder error: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("order not deterministic: %v vs %v", first, again)
		}
	}
}

func TestDetectCycle(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	})

	cycle := g.DetectCycle()
	if cycle == nil {
		t.Fatal("expected a cycle to be detected")
	}
	if len(cycle.Path) < 3 {
		t.Fatalf("expected cycle path with at least 3 entries, got %v", cycle.Path)
	}
	if cycle.Path[0] != cycle.Path[len(cycle.Path)-1] {
		t.Fatalf("cycle path should end where it started: %v", cycle.Path)
	}
	if !strings.Contains(cycle.Error(), "circular dependency detected") {
		t.Fatalf("unexpected error message: %v", cycle.Error())
	}
}

func TestTopologicalOrder_CycleError(t *testing.T) {
	g := buildGraph(t, []string{"a", "b"}, map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})

	_, err := g.TopologicalOrder()
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
}

func TestBuild_UnknownDependency(t *testing.T) {
	g := New()
	err := g.Build([]string{"a", "b"}, map[string][]string{"b": {"missing"}})
	var uerr *UnknownDependencyError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}
	if uerr.Stage != "b" || uerr.Dependency != "missing" {
		t.Fatalf("unexpected error fields: %+v", uerr)
	}
}

func TestBatches(t *testing.T) {
	// diamond: a -> (b, c) -> d
	g := buildGraph(t, []string{"a", "b", "c", "d"}, map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	})

	batches, err := g.Batches()
	if err != nil {
		t.Fatalf("Batches error: %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(batches, want) {
		t.Fatalf("expected %v, got %v", want, batches)
	}
}

func TestAllDependents(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c", "d", "e"}, map[string][]string{
		"b": {"a"},
		"c": {"b"},
		"d": {"b"},
		"e": {"a"},
	})

	got := g.AllDependents("b")
	want := []string{"c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	all := g.AllDependents("a")
	want = []string{"b", "c", "d", "e"}
	if !reflect.DeepEqual(all, want) {
		t.Fatalf("expected %v, got %v", want, all)
	}
}

func TestDependenciesAndDependents(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, map[string][]string{
		"c": {"a", "b"},
	})

	if got := g.Dependencies("c"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected dependencies: %v", got)
	}
	if got := g.Dependents("a"); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("unexpected dependents: %v", got)
	}
	if g.Len() != 3 {
		t.Fatalf("expected 3 stages, got %d", g.Len())
	}
}

func TestAddStage_Idempotent(t *testing.T) {
	g := New()
	g.AddStage("a")
	g.AddStage("a")
	if g.Len() != 1 {
		t.Fatalf("expected 1 stage after duplicate add, got %d", g.Len())
	}
}
