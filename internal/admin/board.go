package admin

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"jobflow/internal/channel"
	"jobflow/internal/processor"
	"jobflow/internal/storage"
)

// Source lists the processors the board reports on.
type Source interface {
	Processors() []*processor.Processor
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []*processor.Processor

func (f SourceFunc) Processors() []*processor.Processor { return f() }

// ChannelView is one row of the queue board.
type ChannelView struct {
	Name      string             `json:"name"`
	Counts    *channel.Counts    `json:"counts,omitempty"`
	Rules     []channel.RuleInfo `json:"rules,omitempty"`
	Processor processor.Snapshot `json:"processor"`
	Recent    []storage.Entry    `json:"recent,omitempty"`
	Errors    []string           `json:"errors,omitempty"`
}

type Board struct {
	Generated time.Time     `json:"generated"`
	Channels  []ChannelView `json:"channels"`
}

const recentPerChannel = 20

// collect queries every channel concurrently. A channel that cannot be
// reached still gets a row with its errors.
func collect(ctx context.Context, procs []*processor.Processor, journal storage.Journal) Board {
	views := make([]ChannelView, 0, len(procs))
	for _, p := range procs {
		if p == nil || p.Queue() == nil {
			continue
		}
		views = append(views, ChannelView{Name: p.Name(), Processor: p.Snapshot()})
	}
	byName := make(map[string]*processor.Processor, len(procs))
	for _, p := range procs {
		if p != nil {
			byName[p.Name()] = p
		}
	}

	var g errgroup.Group
	g.SetLimit(8)
	for i := range views {
		v := &views[i]
		q := byName[v.Name].Queue()
		g.Go(func() error {
			if c, err := q.Counts(ctx); err != nil {
				v.Errors = append(v.Errors, "counts: "+err.Error())
			} else {
				v.Counts = &c
			}
			if rules, err := q.Rules(ctx); err != nil {
				v.Errors = append(v.Errors, "rules: "+err.Error())
			} else {
				v.Rules = rules
			}
			if journal != nil {
				if recent, err := journal.Recent(ctx, v.Name, recentPerChannel); err != nil {
					v.Errors = append(v.Errors, "journal: "+err.Error())
				} else {
					v.Recent = recent
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return Board{Generated: time.Now(), Channels: views}
}
