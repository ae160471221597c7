package study_test

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/p-n-ai/pai-study/internal/srs"
	"github.com/p-n-ai/pai-study/internal/study"
)

var lastUser atomic.Int64

// newUser hands out user ids that are unique across subtests sharing a
// database.
func newUser() int64 { return lastUser.Add(1) }

func at(hour int64) time.Time { return time.Unix(hour*3600, 0).UTC() }

type fixture struct {
	svc   *study.Service
	flags *study.MemoryFlags
	store study.Store
}

func newFixture(store study.Store) *fixture {
	flags := study.NewMemoryFlags()
	return &fixture{
		svc:   study.NewService(study.ServiceConfig{Store: store, Flags: flags}),
		flags: flags,
		store: store,
	}
}

// theme creates a uniquely titled theme with the given subjects.
func (f *fixture) theme(t *testing.T, subjects ...string) (study.Theme, map[string]int64) {
	t.Helper()
	ctx := t.Context()
	th, err := f.svc.EnsureTheme(ctx, t.Name())
	if err != nil {
		t.Fatalf("EnsureTheme() error = %v", err)
	}
	ids := make(map[string]int64, len(subjects))
	for _, title := range subjects {
		sub, err := f.svc.EnsureSubject(ctx, th.ID, title)
		if err != nil {
			t.Fatalf("EnsureSubject(%q) error = %v", title, err)
		}
		ids[title] = sub.ID
	}
	return th, ids
}

func (f *fixture) require(t *testing.T, subject int64, percent int, deps ...int64) {
	t.Helper()
	for _, d := range deps {
		if err := f.svc.AddDependency(t.Context(), subject, srs.Dependency{DependencyID: d, Percent: percent}); err != nil {
			t.Fatalf("AddDependency(%d -> %d) error = %v", subject, d, err)
		}
	}
}

func (f *fixture) join(t *testing.T, user, theme int64) {
	t.Helper()
	if err := f.svc.JoinTheme(t.Context(), user, theme); err != nil {
		t.Fatalf("JoinTheme() error = %v", err)
	}
}

func (f *fixture) schedule(t *testing.T, user int64) study.Schedule {
	t.Helper()
	sched, err := f.svc.ReviewsAndLessons(t.Context(), user)
	if err != nil {
		t.Fatalf("ReviewsAndLessons() error = %v", err)
	}
	return sched
}

// advance answers correctly at each review hour until the subject reaches
// stage, starting from hour start. It returns the hour of the last answer.
func (f *fixture) advance(t *testing.T, user, subject int64, stage int, start int64) int64 {
	t.Helper()
	hour := start
	for {
		p, err := f.store.GetProgress(t.Context(), user, subject)
		if err != nil {
			t.Fatalf("GetProgress() error = %v", err)
		}
		if p.Stage >= stage {
			return hour
		}
		if p.NextReview != nil {
			hour = *p.NextReview
		}
		if _, err := f.svc.Answer(t.Context(), user, subject, true, at(hour)); err != nil {
			t.Fatalf("Answer(stage %d, hour %d) error = %v", p.Stage, hour, err)
		}
	}
}

func hourPtr(h int64) *int64 { return &h }

func sameHour(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func fmtHour(h *int64) string {
	if h == nil {
		return "nil"
	}
	return time.Duration(*h * int64(time.Hour)).String()
}

// runStoreSuite checks the ledger behavior every Store must provide.
func runStoreSuite(t *testing.T, store study.Store) {
	t.Run("AnswerScenario", func(t *testing.T) {
		f := newFixture(store)
		th, ids := f.theme(t, "kanji")
		user := newUser()
		f.join(t, user, th.ID)

		sched := f.schedule(t, user)
		if got := sched[th.ID].Lessons; !slices.Equal(got, []int64{ids["kanji"]}) {
			t.Fatalf("lessons = %v, want [%d]", got, ids["kanji"])
		}

		steps := []struct {
			hour      int64
			wantErr   error
			wantStage int
			wantNext  *int64
		}{
			{0, nil, 1, hourPtr(4)},
			{2, srs.ErrNotEligible, 1, hourPtr(4)},
			{5, nil, 2, hourPtr(13)},
			{13, nil, 3, hourPtr(36)},
			{36, nil, 4, hourPtr(83)},
			{83, nil, 5, hourPtr(250)},
		}
		for _, step := range steps {
			_, err := f.svc.Answer(t.Context(), user, ids["kanji"], true, at(step.hour))
			if !errors.Is(err, step.wantErr) {
				t.Fatalf("hour %d: Answer() error = %v, want %v", step.hour, err, step.wantErr)
			}
			p, err := store.GetProgress(t.Context(), user, ids["kanji"])
			if err != nil {
				t.Fatalf("GetProgress() error = %v", err)
			}
			if p.Stage != step.wantStage || !sameHour(p.NextReview, step.wantNext) {
				t.Errorf("hour %d: stage=%d next=%s, want stage=%d next=%s",
					step.hour, p.Stage, fmtHour(p.NextReview), step.wantStage, fmtHour(step.wantNext))
			}
		}

		pending, _ := f.flags.Pending(t.Context())
		if !slices.Contains(pending, user) {
			t.Errorf("pending = %v, want user %d flagged after reaching the passed stage", pending, user)
		}
	})

	t.Run("LockedSubjectNotFound", func(t *testing.T) {
		f := newFixture(store)
		_, ids := f.theme(t, "a")
		user := newUser()

		_, err := f.svc.Answer(t.Context(), user, ids["a"], true, at(0))
		if !errors.Is(err, srs.ErrNotFound) {
			t.Fatalf("Answer() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("IncorrectAnswerDropsTwoStages", func(t *testing.T) {
		f := newFixture(store)
		th, ids := f.theme(t, "a")
		user := newUser()
		f.join(t, user, th.ID)
		f.schedule(t, user)

		f.advance(t, user, ids["a"], 4, 0)
		p, _ := store.GetProgress(t.Context(), user, ids["a"])
		hour := *p.NextReview

		got, err := f.svc.Answer(t.Context(), user, ids["a"], false, at(hour))
		if err != nil {
			t.Fatalf("Answer() error = %v", err)
		}
		if got.Stage != 2 || !sameHour(got.NextReview, hourPtr(hour+8)) {
			t.Errorf("stage=%d next=%s, want stage=2 next=%d", got.Stage, fmtHour(got.NextReview), hour+8)
		}
	})

	t.Run("MasteryIsTerminal", func(t *testing.T) {
		f := newFixture(store)
		th, ids := f.theme(t, "a")
		user := newUser()
		f.join(t, user, th.ID)
		f.schedule(t, user)

		hour := f.advance(t, user, ids["a"], 9, 0)
		for range 2 {
			hour++
			got, err := f.svc.Answer(t.Context(), user, ids["a"], true, at(hour))
			if err != nil {
				t.Fatalf("Answer() on mastered subject error = %v", err)
			}
			if got.Stage != 9 || got.NextReview != nil {
				t.Errorf("stage=%d next=%s, want stage=9 next=nil", got.Stage, fmtHour(got.NextReview))
			}
		}

		sched := f.schedule(t, user)
		if len(sched[th.ID].Lessons) != 0 || len(sched[th.ID].Reviews) != 0 {
			t.Errorf("mastered subject still scheduled: %+v", sched[th.ID])
		}
	})

	t.Run("DependencyGating", func(t *testing.T) {
		f := newFixture(store)
		th, ids := f.theme(t, "a", "b", "c", "d")
		f.require(t, ids["c"], 90, ids["a"], ids["b"])
		f.require(t, ids["d"], 50, ids["a"], ids["b"])
		user := newUser()
		f.join(t, user, th.ID)

		sched := f.schedule(t, user)
		if got, want := sched[th.ID].Lessons, []int64{ids["a"], ids["b"]}; !slices.Equal(got, want) {
			t.Fatalf("lessons = %v, want %v", got, want)
		}

		f.advance(t, user, ids["a"], srs.DefaultPassedStage, 0)
		f.schedule(t, user)
		if _, err := store.GetProgress(t.Context(), user, ids["d"]); err != nil {
			t.Errorf("d should unlock at 50%% with one of two passed: %v", err)
		}
		if _, err := store.GetProgress(t.Context(), user, ids["c"]); !errors.Is(err, srs.ErrNotFound) {
			t.Errorf("c should stay locked at 90%% with one of two passed, got err = %v", err)
		}

		f.advance(t, user, ids["b"], srs.DefaultPassedStage, 0)
		sched = f.schedule(t, user)
		if !slices.Contains(sched[th.ID].Lessons, ids["c"]) {
			t.Errorf("lessons = %v, want c (%d) unlocked", sched[th.ID].Lessons, ids["c"])
		}

		n, err := f.svc.Unlock(t.Context(), user)
		if err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
		if n != 0 {
			t.Errorf("second Unlock() = %d, want 0", n)
		}
	})

	t.Run("UnlockOnlyWhenFlagged", func(t *testing.T) {
		f := newFixture(store)
		th, _ := f.theme(t, "a")
		user := newUser()
		f.join(t, user, th.ID)
		f.schedule(t, user)

		late, err := f.svc.EnsureSubject(t.Context(), th.ID, "late")
		if err != nil {
			t.Fatalf("EnsureSubject() error = %v", err)
		}
		if slices.Contains(f.schedule(t, user)[th.ID].Lessons, late.ID) {
			t.Fatal("unflagged schedule read should not scan for unlocks")
		}

		if err := f.flags.Mark(t.Context(), user); err != nil {
			t.Fatal(err)
		}
		if !slices.Contains(f.schedule(t, user)[th.ID].Lessons, late.ID) {
			t.Error("flagged schedule read should unlock the new subject")
		}

		unlocked, err := store.UnlockedSubjects(t.Context(), user)
		if err != nil {
			t.Fatalf("UnlockedSubjects() error = %v", err)
		}
		if !slices.Contains(unlocked, late.ID) {
			t.Errorf("UnlockedSubjects() = %v, want it to contain %d", unlocked, late.ID)
		}
	})

	t.Run("JoinAndLeaveTheme", func(t *testing.T) {
		f := newFixture(store)
		th, ids := f.theme(t, "a")
		user := newUser()

		if sched := f.schedule(t, user); len(sched) != 0 {
			t.Fatalf("schedule before join = %v, want empty", sched)
		}

		f.join(t, user, th.ID)
		if _, ok := f.schedule(t, user)[th.ID]; !ok {
			t.Fatal("joined theme missing from schedule")
		}

		if err := f.svc.LeaveTheme(t.Context(), user, th.ID); err != nil {
			t.Fatalf("LeaveTheme() error = %v", err)
		}
		if _, ok := f.schedule(t, user)[th.ID]; ok {
			t.Error("left theme still in schedule")
		}
		if _, err := store.GetProgress(t.Context(), user, ids["a"]); err != nil {
			t.Errorf("progress should survive leaving the theme: %v", err)
		}
	})

	t.Run("JoinUnknownTheme", func(t *testing.T) {
		f := newFixture(store)
		err := f.svc.JoinTheme(t.Context(), newUser(), 1<<40)
		if !errors.Is(err, study.ErrUnknownTheme) {
			t.Errorf("JoinTheme() error = %v, want ErrUnknownTheme", err)
		}
	})

	t.Run("ConcurrentAnswersSerialize", func(t *testing.T) {
		f := newFixture(store)
		th, ids := f.theme(t, "a")
		user := newUser()
		f.join(t, user, th.ID)
		f.schedule(t, user)

		const n = 8
		var (
			wg         sync.WaitGroup
			ok, early  atomic.Int32
			unexpected = make(chan error, n)
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.Answer(t.Context(), user, ids["a"], true, at(0))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, srs.ErrNotEligible):
					early.Add(1)
				default:
					unexpected <- err
				}
			}()
		}
		wg.Wait()
		close(unexpected)
		for err := range unexpected {
			t.Errorf("Answer() unexpected error = %v", err)
		}

		if ok.Load() != 1 || early.Load() != n-1 {
			t.Errorf("accepted=%d rejected=%d, want 1 and %d", ok.Load(), early.Load(), n-1)
		}
		p, _ := store.GetProgress(t.Context(), user, ids["a"])
		if p.Stage != 1 {
			t.Errorf("stage = %d, want 1", p.Stage)
		}
	})

	t.Run("Dependencies", func(t *testing.T) {
		f := newFixture(store)
		_, ids := f.theme(t, "a", "b", "c")
		ctx := t.Context()

		tests := []struct {
			name    string
			subject int64
			dep     srs.Dependency
			wantErr error
		}{
			{"b requires a", ids["b"], srs.Dependency{DependencyID: ids["a"], Percent: 100}, nil},
			{"c requires b", ids["c"], srs.Dependency{DependencyID: ids["b"], Percent: 100}, nil},
			{"update percent", ids["c"], srs.Dependency{DependencyID: ids["b"], Percent: 50}, nil},
			{"closing cycle", ids["a"], srs.Dependency{DependencyID: ids["c"], Percent: 100}, srs.ErrCycle},
			{"self loop", ids["a"], srs.Dependency{DependencyID: ids["a"], Percent: 100}, srs.ErrSelfDependency},
			{"percent too high", ids["c"], srs.Dependency{DependencyID: ids["a"], Percent: 101}, srs.ErrInvalidPercent},
			{"negative percent", ids["c"], srs.Dependency{DependencyID: ids["a"], Percent: -1}, srs.ErrInvalidPercent},
			{"unknown dependency", ids["c"], srs.Dependency{DependencyID: 1 << 40, Percent: 10}, study.ErrUnknownSubject},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := f.svc.AddDependency(ctx, tt.subject, tt.dep)
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("AddDependency() error = %v, want %v", err, tt.wantErr)
				}
			})
		}

		deps, err := store.SubjectDependencies(ctx, ids["c"])
		if err != nil {
			t.Fatalf("SubjectDependencies() error = %v", err)
		}
		want := []srs.Dependency{{DependencyID: ids["b"], Percent: 50}}
		if !slices.Equal(deps, want) {
			t.Errorf("deps of c = %v, want %v", deps, want)
		}
	})

	t.Run("ConcurrentDependenciesRejectCycle", func(t *testing.T) {
		f := newFixture(store)
		_, ids := f.theme(t, "a", "b")
		a, b := ids["a"], ids["b"]

		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i, edge := range [][2]int64{{a, b}, {b, a}} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = f.svc.AddDependency(t.Context(), edge[0], srs.Dependency{DependencyID: edge[1], Percent: 100})
			}()
		}
		wg.Wait()

		accepted, cycles := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, srs.ErrCycle):
				cycles++
			default:
				t.Errorf("AddDependency() unexpected error = %v", err)
			}
		}
		if accepted != 1 || cycles != 1 {
			t.Errorf("accepted=%d cycles=%d, want 1 and 1 (errors %v)", accepted, cycles, errs)
		}

		depsA, _ := store.SubjectDependencies(t.Context(), a)
		depsB, _ := store.SubjectDependencies(t.Context(), b)
		if len(depsA)+len(depsB) != 1 {
			t.Errorf("stored edges a=%v b=%v, want exactly one", depsA, depsB)
		}
	})

	t.Run("TitlesAreNormalized", func(t *testing.T) {
		f := newFixture(store)
		ctx := t.Context()
		base := t.Name() + " caf"

		a, err := f.svc.EnsureTheme(ctx, base+"e\u0301")
		if err != nil {
			t.Fatalf("EnsureTheme() error = %v", err)
		}
		b, err := f.svc.EnsureTheme(ctx, "  "+base+"é ")
		if err != nil {
			t.Fatalf("EnsureTheme() error = %v", err)
		}
		if a.ID != b.ID {
			t.Errorf("decomposed and composed titles gave themes %d and %d", a.ID, b.ID)
		}
		if !strings.HasSuffix(b.Title, "é") {
			t.Errorf("title = %q, want NFC form", b.Title)
		}

		if _, err := f.svc.EnsureTheme(ctx, "   "); !errors.Is(err, study.ErrEmptyTitle) {
			t.Errorf("EnsureTheme(blank) error = %v, want ErrEmptyTitle", err)
		}

		sub, err := f.svc.EnsureSubject(ctx, a.ID, "old")
		if err != nil {
			t.Fatalf("EnsureSubject() error = %v", err)
		}
		if err := f.svc.RenameSubject(ctx, sub.ID, "new"); err != nil {
			t.Fatalf("RenameSubject() error = %v", err)
		}
		again, err := f.svc.EnsureSubject(ctx, a.ID, "new")
		if err != nil {
			t.Fatalf("EnsureSubject() error = %v", err)
		}
		if again.ID != sub.ID {
			t.Errorf("renamed subject id = %d, want %d", again.ID, sub.ID)
		}
		if err := f.svc.RenameSubject(ctx, 1<<40, "x"); !errors.Is(err, study.ErrUnknownSubject) {
			t.Errorf("RenameSubject(unknown) error = %v, want ErrUnknownSubject", err)
		}
	})

	t.Run("AnswerLogAndStats", func(t *testing.T) {
		f := newFixture(store)
		th, ids := f.theme(t, "a", "b")
		user := newUser()
		f.join(t, user, th.ID)
		f.schedule(t, user)
		ctx := t.Context()

		for i, correct := range []bool{true, true, false} {
			rec, err := f.svc.RecordAnswer(ctx, study.AnswerRecord{
				UserID:    user,
				SubjectID: ids["a"],
				Correct:   correct,
				Answers:   []string{"x"},
				Duration:  time.Duration(i+1) * time.Second,
			})
			if err != nil {
				t.Fatalf("RecordAnswer() error = %v", err)
			}
			if rec.AnsweredAt.IsZero() {
				t.Error("AnsweredAt should default to now")
			}
		}
		if _, err := f.svc.Answer(ctx, user, ids["a"], true, at(0)); err != nil {
			t.Fatalf("Answer() error = %v", err)
		}

		st, err := f.svc.Stats(ctx, user)
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		if st.Total != 3 || st.Correct != 2 {
			t.Errorf("total=%d correct=%d, want 3 and 2", st.Total, st.Correct)
		}
		if st.Accuracy < 0.66 || st.Accuracy > 0.67 {
			t.Errorf("accuracy = %f, want 2/3", st.Accuracy)
		}
		if st.StageCounts[0] != 1 || st.StageCounts[1] != 1 {
			t.Errorf("stage counts = %v, want {0:1 1:1}", st.StageCounts)
		}

		_, err = f.svc.RecordAnswer(ctx, study.AnswerRecord{UserID: user, SubjectID: 1 << 40})
		if !errors.Is(err, study.ErrUnknownSubject) {
			t.Errorf("RecordAnswer(unknown subject) error = %v, want ErrUnknownSubject", err)
		}
	})
}
