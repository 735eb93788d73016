// Package coursejobs drives the asynchronous course-generation pipeline:
// document processing, classification, structure analysis, lesson content,
// enrichment and finalization, each stage a queued, retryable, cancellable
// job with a durable status record.
//
// Basic usage:
//
//	db, _ := gorm.Open(sqlite.Open("jobs.db"), &gorm.Config{})
//	store := storage.NewGormStore(db)
//	store.Migrate(context.Background())
//
//	svc := coursejobs.New(store, queue.NewDBQueue(store))
//	coursejobs.RegisterHandler(svc, coursejobs.TypeLessonContent,
//	    func(ctx context.Context, p coursejobs.LessonContentPayload, cancelled coursejobs.CancelCheck) (any, error) {
//	        for _, section := range p.Sections {
//	            if err := cancelled.Err(ctx); err != nil {
//	                return nil, err
//	            }
//	            if err := generate(ctx, section); err != nil {
//	                return nil, err
//	            }
//	        }
//	        return nil, nil
//	    })
//
//	id, _ := svc.Enqueue(ctx, coursejobs.TypeLessonContent, payload)
//	svc.Start(ctx, 4)
//	defer svc.Stop(true)
//
// # Cancellation is cooperative
//
// The queue cannot interrupt a handler that is already running. Cancellation
// flips a flag on the job's status record; handlers are expected to call
// their CancelCheck between bounded units of work (every few seconds of
// wall-clock work is a good cadence) and return the *CancelledError it
// produces. A handler that never checks the flag runs to its natural
// completion or its per-type timeout. This is a deliberate constraint, not a
// gap: handlers hold open files and in-flight HTTP calls that need orderly
// cleanup, so there is no forced-kill path.
package coursejobs
