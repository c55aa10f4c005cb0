package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ZenLiuCN/fn"
	"github.com/urfave/cli/v2"

	"github.com/sliverarmory/rtld/symbols"
)

func main() {
	app := cli.NewApp()
	app.Name = "mkelf"
	app.Usage = "write test ELF images for rtld"
	app.Description = "mkelf turns a JSON image description into a 32-bit ELF executable or shared library"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "build",
			Usage:     "encode a JSON description",
			ArgsUsage: "<description.json>",
			Action:    build,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file, default is the description name without .json"},
			},
		},
		{
			Name:      "hash",
			Usage:     "print the SysV hash of symbol names",
			ArgsUsage: "<name>...",
			Action:    hash,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("mkelf: %s", err)
	}
}

func build(ctx *cli.Context) (err error) {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected one description file")
	}
	src := ctx.Args().First()
	f, err := os.Open(src)
	if err != nil {
		return
	}
	defer fn.IgnoreClose(f)

	var desc Description
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err = dec.Decode(&desc); err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	img, err := desc.Image()
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	data, err := img.Bytes()
	if err != nil {
		return
	}

	out := ctx.String("out")
	if out == "" {
		out = outputName(src)
	}
	if err = os.WriteFile(out, data, 0o644); err != nil {
		return
	}
	if ctx.Bool("debug") {
		log.Printf("wrote %s: %d bytes, %d segments, %d symbols", out, len(data), len(img.Segments), len(img.Symbols))
	}
	return
}

func hash(ctx *cli.Context) error {
	for _, name := range ctx.Args().Slice() {
		fmt.Fprintf(ctx.App.Writer, "0x%08x %s\n", symbols.Hash(name), name)
	}
	return nil
}
