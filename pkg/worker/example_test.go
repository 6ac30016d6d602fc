package worker_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/flough"
	"github.com/petrijr/flough/pkg/worker"
)

// ExampleWorker_Handle runs a leaf job that reports progress and is retried
// once by the flow that launched it.
func ExampleWorker_Handle() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runner := flough.NewLocalRunner()
	defer runner.Close()

	attempts := 0
	err := runner.Worker.Handle("resize", func(ctx context.Context, job *worker.Job) (any, error) {
		attempts++
		if job.Attempt == 1 {
			return nil, fmt.Errorf("image store busy")
		}
		if err := job.Progress(ctx, 100); err != nil {
			return nil, err
		}
		return fmt.Sprintf("%s@%vpx", job.Data["image"], job.Data["width"]), nil
	})
	if err != nil {
		log.Fatal(err)
	}

	flough.Define("thumbnail").
		Retry(flough.Retry(2)).
		Handler(func(ctx context.Context, f flough.Flow) (any, error) {
			if err := f.Job(1, "resize", map[string]any{"image": "cat.png", "width": 128}); err != nil {
				return nil, err
			}
			rec, err := f.End(ctx)
			if err != nil {
				return nil, err
			}
			return rec.Ancestors.Results(1)[1], nil
		}).
		MustRegister(runner.Engine)

	rec, err := runner.Run(ctx, "thumbnail", nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(rec.Result, attempts)
	// Output: cat.png@128px 2
}
