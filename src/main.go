package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"mongodm/src/engine"
	"mongodm/src/samples"
	"mongodm/src/settings"
	"mongodm/src/store"
)

// printUsage prints helpful usage information
func printUsage(fs *flag.FlagSet) {
	log.Println("mongodm - object-document mapping engine for MongoDB")
	log.Println("\nUsage:")
	log.Println("  mongodm [options]")
	log.Println("\nOptions:")
	fs.PrintDefaults()

	log.Println("\nEnvironment variables (MONGODM_URI, MONGODM_DATABASE, ...) are read before flags.")
	log.Println("\nExamples:")
	log.Println("  mongodm --uri=mongodb://localhost:27017/?replicaSet=rs0 --database=library")
	log.Println("  mongodm --paging=limit-skip --cleanup=false")
}

func main() {
	os.Exit(realMain(os.Args[1:]))
}

// realMain runs the program and returns its exit code. Every failure
// returns instead of exiting so that deferred cleanup always runs.
func realMain(argv []string) int {
	args := settings.GetSettings()
	if err := settings.LoadFromEnv(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		return 1
	}

	var cleanup bool
	fs := flag.NewFlagSet("mongodm", flag.ContinueOnError)
	fs.StringVar(&args.MongoURI, "uri", args.MongoURI, "MongoDB connection string (replica set required for transactions)")
	fs.StringVar(&args.Database, "database", args.Database, "Database holding the model collections")
	fs.StringVar(&args.AppName, "appname", args.AppName, "Application name reported to the server")
	fs.StringVar(&args.PagingOrder, "paging", args.PagingOrder, "Paging order for find: skip-limit or limit-skip")
	fs.DurationVar(&args.ConnectTimeout, "connect-timeout", args.ConnectTimeout, "Timeout for connecting to MongoDB")
	fs.DurationVar(&args.OperationTimeout, "timeout", args.OperationTimeout, "Timeout for each engine operation")
	fs.BoolVar(&args.Verbose, "verbose", args.Verbose, "Enable verbose logging")
	fs.BoolVar(&args.Debug, "debug", args.Debug, "Enable debug mode")
	fs.BoolVar(&cleanup, "cleanup", true, "Delete the sample documents after the run")
	fs.Usage = func() { printUsage(fs) }
	if err := fs.Parse(argv); err != nil {
		return 2
	}

	if err := args.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage(fs)
		return 1
	}

	logger, err := newLogger(args)
	if err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return 1
	}
	defer logger.Sync()

	if args.Verbose {
		logger.Infof("mongodm starting with options:")
		logger.Infof("  Database: %s", args.Database)
		logger.Infof("  App Name: %s", args.AppName)
		logger.Infof("  Paging Order: %s", args.PagingOrder)
		logger.Infof("  Operation Timeout: %s", args.OperationTimeout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, args)
	if err != nil {
		logger.Errorf("Failed to connect to MongoDB: %v", err)
		return 1
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Warnf("Error disconnecting: %v", err)
		}
	}()

	eng, err := engine.NewEngine(store.NewMongoStore(client, args.Database, logger), args, logger)
	if err != nil {
		logger.Errorf("Failed to create engine: %v", err)
		return 1
	}

	if err := run(ctx, eng, args, logger, cleanup); err != nil {
		logger.Errorf("Run failed: %v", err)
		return 1
	}
	logger.Info("Run complete")
	return 0
}

// newLogger builds the zap logger the same way for every entry point.
func newLogger(args *settings.Arguments) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error

	if args.Debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(logger)
	return logger.Sugar(), nil
}

func connect(ctx context.Context, args *settings.Arguments) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, args.ConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(args.MongoURI).
		SetAppName(args.AppName).
		SetConnectTimeout(args.ConnectTimeout)
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client, nil
}

// run saves a small reference graph, reads it back through the join
// pipeline and reports the collection counts.
func run(ctx context.Context, eng *engine.Engine, args *settings.Arguments, logger *zap.SugaredLogger, cleanup bool) error {
	publisher := samples.NewPublisher("Tor Books", "US")
	author := samples.NewAuthor("Ursula K. Le Guin", 1929)
	books := []*samples.Book{
		samples.NewBook("The Dispossessed", 387, publisher, author),
		samples.NewBook("The Left Hand of Darkness", 304, publisher, author),
	}

	opCtx, cancel := context.WithTimeout(ctx, args.OperationTimeout)
	defer cancel()

	// one at a time: the books share a publisher and an author, so concurrent
	// transactions would conflict on them
	for _, book := range books {
		if _, err := eng.Save(opCtx, book); err != nil {
			return fmt.Errorf("save book: %w", err)
		}
	}
	logger.Infof("Saved %d books with their publisher and author", len(books))

	found, err := engine.Find[samples.Book](opCtx, eng, bson.D{{Key: "publisher_id", Value: publisher.ID}})
	if err != nil {
		return fmt.Errorf("find books: %w", err)
	}
	for _, book := range found {
		logger.Infof("  %q (%d pages) by %s, published by %s", book.Title, book.Pages, book.Author.Name, book.Publisher.Name)
	}

	first, err := engine.FindOne[samples.Book](opCtx, eng, bson.D{{Key: "_id", Value: books[0].ID}})
	if err != nil {
		return fmt.Errorf("find book: %w", err)
	}
	if first == nil {
		return fmt.Errorf("book %s not found after save", books[0].ID)
	}

	count, err := engine.Count[samples.Book](opCtx, eng, bson.D{{Key: "author_id", Value: author.ID}})
	if err != nil {
		return fmt.Errorf("count books: %w", err)
	}
	logger.Infof("Author %s has %d book(s)", author.Name, count)

	if !cleanup {
		return nil
	}
	for _, book := range books {
		if _, err := eng.Delete(opCtx, book); err != nil {
			return fmt.Errorf("delete book: %w", err)
		}
	}
	if _, err := eng.Delete(opCtx, publisher); err != nil {
		return fmt.Errorf("delete publisher: %w", err)
	}
	if _, err := eng.Delete(opCtx, author); err != nil {
		return fmt.Errorf("delete author: %w", err)
	}
	logger.Infof("Removed sample documents")
	return nil
}
