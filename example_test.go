package flough_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/flough"
	"github.com/petrijr/flough/pkg/worker"
)

// Example_localRunner defines a two-step flow and runs it to completion on
// an in-process engine and worker.
func Example_localRunner() {
	ctx := context.Background()

	runner := flough.NewLocalRunner()
	defer runner.Close()

	if err := runner.Worker.Handle("sayHello", sayHello); err != nil {
		log.Fatal(err)
	}

	err := flough.Define("greeting").
		Handler(func(ctx context.Context, f flough.Flow) (any, error) {
			if err := f.Job(1, "sayHello", map[string]any{"name": f.Data()["name"]}); err != nil {
				return nil, err
			}
			if err := f.Exec(2, decorateMessage); err != nil {
				return nil, err
			}
			rec, err := f.End(ctx)
			if err != nil {
				return nil, err
			}
			return rec.Ancestors.Results(2)[1], nil
		}).
		Register(runner.Engine)
	if err != nil {
		log.Fatal(err)
	}

	rec, err := runner.Run(ctx, "greeting", map[string]any{"name": "Gopher"})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("completed=%v steps=%d result=%v\n", rec.IsCompleted, rec.StepsTaken, rec.Result)
	// Output: completed=true steps=2 result=hello, Gopher!
}

func sayHello(ctx context.Context, job *worker.Job) (any, error) {
	name, ok := job.Data["name"].(string)
	if !ok {
		return nil, fmt.Errorf("sayHello: expected string name, got %T", job.Data["name"])
	}
	return fmt.Sprintf("hello, %s", name), nil
}

func decorateMessage(ctx context.Context, ancestors flough.Ancestors) (any, error) {
	msg, ok := ancestors.Results(1)[1].(string)
	if !ok {
		return nil, fmt.Errorf("decorateMessage: expected string, got %T", ancestors.Results(1)[1])
	}
	return msg + "!", nil
}
