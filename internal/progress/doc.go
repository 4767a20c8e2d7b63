// Package progress provides the operator-visible progress side channel.
//
// The reporter writes one mark per received chunk and, when started with an
// update interval, a periodic summary line with humanized byte counts.
// Nothing written here is part of any data contract.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalTasks: len(tasks),
//	    Workers:    4,
//	    Marks:      true,
//	    Output:     os.Stderr,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.TaskStarted()
//	reporter.Chunk(n)
//	reporter.TaskCompleted()
//
// # Output Format
//
//	[imagetter] Fetching 12 artifacts with 4 workers
//	..........
//	[imagetter] Progress: 3/12 done | 1 skipped | 0 failed | 2 active | 1.2 GiB | 85 MiB/s
//	[imagetter] Finished: 11 done | 1 failed | 4.8 GiB in 1m 2s (79 MiB/s)
package progress
