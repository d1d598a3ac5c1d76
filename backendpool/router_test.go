package backendpool

import "testing"

func TestRouterPicksReplicasRoundRobin(t *testing.T) {
	primary := &Pool{addr: "primary:5432", maxSize: 1}
	r1 := &Pool{addr: "replica1:5432", maxSize: 1}
	r2 := &Pool{addr: "replica2:5432", maxSize: 1}
	router := NewRouter(primary, []*Pool{r1, r2})

	var seen []*Pool
	for i := 0; i < 4; i++ {
		p, _ := router.pickReplica()
		seen = append(seen, p)
	}
	want := []*Pool{r1, r2, r1, r2}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("pick %d: got %p, want %p", i, seen[i], want[i])
		}
	}
}

func TestRouterFallsBackToPrimaryWhenNoReplicaHealthy(t *testing.T) {
	primary := &Pool{addr: "primary:5432", maxSize: 1}
	r1 := &Pool{addr: "replica1:5432", maxSize: 1}
	router := NewRouter(primary, []*Pool{r1})

	router.MarkUnhealthy(r1)

	p, name := router.pickReplica()
	if p != primary || name != "primary" {
		t.Fatalf("got pool %p (%s), want primary", p, name)
	}
}

func TestRouterFallsBackToPrimaryWithNoReplicas(t *testing.T) {
	primary := &Pool{addr: "primary:5432", maxSize: 1}
	router := NewRouter(primary, nil)

	p, name := router.pickReplica()
	if p != primary || name != "primary" {
		t.Fatalf("got pool %p (%s), want primary", p, name)
	}
}

func TestRouterHealthyReplicaCount(t *testing.T) {
	primary := &Pool{addr: "primary:5432", maxSize: 1}
	r1 := &Pool{addr: "replica1:5432", maxSize: 1}
	r2 := &Pool{addr: "replica2:5432", maxSize: 1}
	router := NewRouter(primary, []*Pool{r1, r2})

	if got := router.HealthyReplicaCount(); got != 2 {
		t.Fatalf("got %d healthy replicas, want 2", got)
	}
	router.MarkUnhealthy(r1)
	if got := router.HealthyReplicaCount(); got != 1 {
		t.Fatalf("got %d healthy replicas after MarkUnhealthy, want 1", got)
	}
	router.MarkHealthy(r1)
	if got := router.HealthyReplicaCount(); got != 2 {
		t.Fatalf("got %d healthy replicas after MarkHealthy, want 2", got)
	}
}
