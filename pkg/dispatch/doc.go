// Package dispatch sends prompts to a chat-completion endpoint in bounded
// concurrent batches, retries rejected attempts with exponential backoff, and
// streams accepted responses to the output sinks.
//
// Example usage:
//
//	exec := dispatch.NewExecutor(dispatch.ExecutorConfig{
//		Client:     chatClient,
//		Classifier: dispatch.NewClassifier(config.DefaultRefusalMarkers),
//		Policy:     dispatch.DefaultPolicy(),
//		Tracker:    tracker,
//		Recorder:   recorder,
//		Logger:     logger,
//	})
//	coord := dispatch.NewCoordinator(exec, dispatch.Config{
//		BatchSize:   10,
//		ResultsPath: "output/results.jsonl",
//		InputsPath:  "output/inputs.jsonl",
//	}, tracker, logger)
//	summary, err := coord.Run(ctx, source)
//
// The coordinator:
//   - Reads up to BatchSize prompts and runs them concurrently
//   - Waits for the whole batch before reading the next one
//   - Pushes each accepted response and its prompt to the two sink queues
//   - Closes both queues once after the last batch and waits for the sinks
//
// Each prompt gets MaxAttempts attempts. A transport error and a refusal both
// consume an attempt; after failed attempt k the executor sleeps
// BackoffUnit * BackoffBase^k, with no sleep after the final attempt.
package dispatch
