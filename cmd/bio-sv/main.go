package main

// bio-sv is the command-line driver for the streaming breakpoint engine: it
// reads one or more position-sorted BAM inputs, classifies discordant read
// pairs, and emits structural variant calls as a tab-separated table, with
// optional BED and per-library FASTQ side outputs.
//
// Usage: bio-sv -config library.cfg -output calls.tsv input.bam [input2.bam ...]

import (
	"flag"
	"os"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bio-sv/bamstream"
	"github.com/grailbio/bio-sv/sv"
)

var (
	configFlag     = flag.String("config", "", "Library configuration file (bam2cfg-style), required")
	outputFlag     = flag.String("output", "-", "Output TSV path, or '-' for stdout")
	minMapQualFlag = flag.Int("q", sv.DefaultOptions.MinMapQual, "Minimum mapping quality")
	maxSDFlag      = flag.Int("s", sv.DefaultOptions.MaxSD, "Maximum insert size S.D. tolerated for non-transchromosomal reads")
	minLenFlag     = flag.Int("l", sv.DefaultOptions.MinLen, "Minimum region length")
	seqCovFlag     = flag.Float64("c", sv.DefaultOptions.SeqCoverageLim, "Maximum region sequence coverage")
	bufferSizeFlag = flag.Int("o", sv.DefaultOptions.BufferSize, "Number of registered regions that triggers a graph flush")
	minReadPair    = flag.Int("r", sv.DefaultOptions.MinReadPair, "Minimum read pairs required to support a call")
	transchrFlag   = flag.Bool("t", sv.DefaultOptions.TranschrRearrange, "Only consider inter-chromosomal translocations")
	longInsertFlag = flag.Bool("long-insert", sv.DefaultOptions.LongInsert, "Use the long-insert (RF-concordant) pairing model")
	cnLibFlag      = flag.Bool("y", sv.DefaultOptions.CNLib, "Group copy-number/read-count output by library (false groups by source file)")
	fisherFlag     = flag.Bool("f", sv.DefaultOptions.Fisher, "Combine per-library p-values via Fisher's method")
	scoreMinFlag   = flag.Int("score-threshold", sv.DefaultOptions.ScoreThreshold, "Minimum PhredQ required to emit a call")
	printAFFlag    = flag.Bool("a", sv.DefaultOptions.PrintAF, "Print an allele-frequency column")
	prefixFastq    = flag.String("d", sv.DefaultOptions.PrefixFastq, "Directory to dump supporting-read FASTQ pairs into (empty disables)")
	dumpBEDFlag    = flag.String("g", sv.DefaultOptions.DumpBED, "BED output path (empty disables)")
	gzipFastqFlag  = flag.Bool("gzip-fastq", false, "Gzip-compress FASTQ output")
	gzipBEDFlag    = flag.Bool("gzip-bed", false, "Gzip-compress BED output")
	maxWindowFlag  = flag.Int("max-read-window-size", sv.DefaultOptions.MaxReadWindowSize, "Maximum genomic span of an open region")
)

func optionsFromFlags() *sv.Options {
	opts := sv.DefaultOptions
	opts.MinMapQual = *minMapQualFlag
	opts.MaxSD = *maxSDFlag
	opts.MinLen = *minLenFlag
	opts.SeqCoverageLim = *seqCovFlag
	opts.BufferSize = *bufferSizeFlag
	opts.MinReadPair = *minReadPair
	opts.TranschrRearrange = *transchrFlag
	opts.LongInsert = *longInsertFlag
	opts.CNLib = *cnLibFlag
	opts.Fisher = *fisherFlag
	opts.ScoreThreshold = *scoreMinFlag
	opts.PrintAF = *printAFFlag
	opts.PrefixFastq = *prefixFastq
	opts.DumpBED = *dumpBEDFlag
	opts.MaxReadWindowSize = *maxWindowFlag
	return &opts
}

func main() {
	flag.Usage = func() {
		os.Stderr.WriteString(`Usage:
  bio-sv -config library.cfg [flags] input.bam [input2.bam ...]

Detects structural variants from discordant read pairs in one or more
position-sorted BAM inputs, writing a tab-separated call table.
`)
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()
	ctx := vcontext.Background()

	if *configFlag == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfgFile, err := file.Open(ctx, *configFlag)
	if err != nil {
		log.Panicf("open config %v: %v", *configFlag, err)
	}
	libs, err := sv.ParseLibraryConfig(cfgFile.Reader(ctx))
	if err != nil {
		log.Panicf("parse config %v: %v", *configFlag, err)
	}
	if err := cfgFile.Close(ctx); err != nil {
		log.Panicf("close config %v: %v", *configFlag, err)
	}

	opts := optionsFromFlags()

	stream, err := bamstream.Open(flag.Args())
	if err != nil {
		log.Panicf("open inputs %v: %v", flag.Args(), err)
	}
	header := stream.Header()
	refs := header.Refs()
	refName := refNamer(refs)
	bamOrder := buildBamOrder(libs, opts.CNLib)
	referenceTotal := totalReferenceLength(refs)

	out, err := file.Create(ctx, *outputFlag)
	if err != nil {
		log.Panicf("create output %v: %v", *outputFlag, err)
	}
	tsv := out.Writer(ctx)

	var bedWriter *sv.BEDWriter
	if *dumpBEDFlag != "" {
		bedFile, err := file.Create(ctx, *dumpBEDFlag)
		if err != nil {
			log.Panicf("create bed output %v: %v", *dumpBEDFlag, err)
		}
		bedWriter = sv.NewBEDWriter(bedFile.Writer(ctx), *gzipBEDFlag)
	}

	var fastqSink *sv.FastqSink
	if *prefixFastq != "" {
		fastqSink, err = sv.NewFastqSink(*prefixFastq, *gzipFastqFlag)
		if err != nil {
			log.Panicf("create fastq sink %v: %v", *prefixFastq, err)
		}
	}

	var nCalls int
	sinkErr := errors.Once{}
	sink := func(rec *sv.Record) {
		nCalls++
		line := sv.FormatTSV(rec, opts, refName, bamOrder)
		_, err := tsv.Write([]byte(line + "\n"))
		sinkErr.Set(err)
		if bedWriter != nil {
			sinkErr.Set(bedWriter.Write(rec, opts, refName))
		}
		if fastqSink != nil {
			sinkErr.Set(fastqSink.Write(rec))
		}
	}

	sweep := sv.NewSweep(libs, opts, referenceTotal, sink)
	var nRecs int
	for stream.Scan() {
		nRecs++
		if nRecs%(4*1024*1024) == 0 {
			log.Printf("bio-sv: processed %dM records, %d calls so far", nRecs/(1024*1024), nCalls)
		}
		if err := sweep.Push(stream.Record()); err != nil {
			if sv.Fatal(err) {
				log.Panicf("bio-sv: %v", err)
			}
			log.Error.Printf("bio-sv: %v", err)
		}
	}
	sinkErr.Set(stream.Err())
	sweep.Close()

	// All Close calls run regardless of earlier failures, so that any
	// output already buffered is still flushed.
	closeErr := errors.Once{}
	closeErr.Set(stream.Close())
	closeErr.Set(out.Close(ctx))
	if bedWriter != nil {
		closeErr.Set(bedWriter.Close())
	}
	if fastqSink != nil {
		closeErr.Set(fastqSink.Close())
	}

	sinkErr.Set(closeErr.Err())
	if err := sinkErr.Err(); err != nil {
		log.Panicf("bio-sv: %v", err)
	}
	log.Printf("bio-sv: %d records, %d calls written to %s", nRecs, nCalls, *outputFlag)
}

// refNamer builds the RefNamer FormatTSV/BEDWriter need from the merged
// input header's reference list.
func refNamer(refs []*sam.Reference) sv.RefNamer {
	return func(tid int) string {
		if tid < 0 || tid >= len(refs) {
			return "NA"
		}
		return refs[tid].Name()
	}
}

// buildBamOrder returns the de-duplicated, first-seen order of per-library
// (cnLib=true) or per-source-file (cnLib=false) keys, the column order
// FormatTSV's optional copy-number columns follow.
func buildBamOrder(libs *sv.LibraryConfigSet, cnLib bool) []string {
	order := make([]string, 0, len(libs.Libraries))
	seen := map[string]bool{}
	for _, l := range libs.Libraries {
		key := l.Name
		if !cnLib {
			key = l.SourceFile
		}
		if !seen[key] {
			seen[key] = true
			order = append(order, key)
		}
	}
	return order
}

// totalReferenceLength sums every reference's length, the copy-number
// ratio's genome-wide denominator (C5/C6).
func totalReferenceLength(refs []*sam.Reference) int {
	total := 0
	for _, ref := range refs {
		total += ref.Len()
	}
	return total
}
