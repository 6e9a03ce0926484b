package scheduler_test

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/pagesync/internal/testutil"
	"github.com/Sternrassler/pagesync/pkg/index"
	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/scheduler"
	"github.com/Sternrassler/pagesync/pkg/source"
	"github.com/Sternrassler/pagesync/pkg/store/memstore"
)

// A second run against a store that already holds the newest 501 ids only
// fetches the rest.
func ExampleScheduler_Run() {
	src := testutil.NewFakeSource(index.SourceShape{TotalPages: 20, ItemsPerPage: 50, LastPageItemCount: 50})
	st := memstore.NewWithLedger(ranges.New(1, 501))

	cfg := scheduler.DefaultConfig()
	cfg.ItemsPerPage = 50
	cfg.Shape.Delay = 0
	cfg.Download.Retry = source.RetryConfig{Delay: time.Millisecond}

	sum, err := scheduler.New(src, st, cfg).Run(context.Background())
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println("bounds:", sum.Bounds)
	fmt.Println("gaps:", sum.Gaps)
	fmt.Println("records:", sum.RecordsPersisted)
	fmt.Println("ledger:", ranges.Merge(st.Commits()))
	// Output:
	// bounds: [1,1000]
	// gaps: [[502,1000]]
	// records: 499
	// ledger: [[1,1000]]
}

func ExampleMajorityVote() {
	fmt.Println(scheduler.MajorityVote([]int{2, 2, 5, 6, 7}))
	fmt.Println(scheduler.MajorityVote([]int{9, 4, 4}))
	// Output:
	// 2
	// 4
}
