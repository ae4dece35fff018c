package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/manthysbr/sceneforge/internal/core/domain"
)

// fakeBackend finishes every generation on the first poll. Prompts containing a
// key of failOn fail with the mapped error.
type fakeBackend struct {
	name   string
	failOn map[string]error

	mu       sync.Mutex
	requests []domain.GenerationRequest
	seq      atomic.Int64
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, failOn: map[string]error{}}
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Start(ctx context.Context, req domain.GenerationRequest) (domain.GenerationHandle, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	for marker, err := range b.failOn {
		if strings.Contains(req.Prompt, marker) {
			return domain.GenerationHandle{}, err
		}
	}
	id := b.seq.Add(1)
	return domain.GenerationHandle{ID: fmt.Sprintf("%s-%d", b.name, id), Backend: b.name}, nil
}

func (b *fakeBackend) Poll(ctx context.Context, h domain.GenerationHandle) (domain.GenerationStatus, error) {
	return domain.GenerationStatus{Done: true, Progress: 100, ArtifactRef: "artifact://" + h.ID}, nil
}

func (b *fakeBackend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *fakeBackend) lastRequest() domain.GenerationRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

type fakeEvaluator struct {
	score float64
}

func (e fakeEvaluator) Evaluate(ctx context.Context, ref string, params domain.Params) (domain.Evaluation, error) {
	return domain.Evaluation{Score: e.score}, nil
}

type fakePlanner struct {
	mu     sync.Mutex
	err    error
	inputs []domain.WorkflowInput
}

func (p *fakePlanner) PlanScenes(ctx context.Context, input domain.WorkflowInput) (domain.ScenePlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, input)
	if p.err != nil {
		err := p.err
		p.err = nil
		return domain.ScenePlan{}, err
	}
	plan := domain.ScenePlan{
		Characters: []domain.Character{{Name: "Keeper", Description: "an old lighthouse keeper"}},
		Locations:  []domain.Location{{Name: "Lighthouse", Description: "on a cliff"}},
	}
	for i := 0; i < input.SceneCount; i++ {
		plan.Scenes = append(plan.Scenes, domain.Scene{
			Description: fmt.Sprintf("scene %d of %s", i, input.Prompt),
			Prompt:      fmt.Sprintf("%s, shot %d", input.Prompt, i),
			Characters:  []string{"Keeper"},
			Location:    "Lighthouse",
			DurationSec: 4,
		})
	}
	return plan, nil
}
