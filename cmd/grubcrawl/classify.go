package main

import (
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/grubcrawl/internal/classify"
	"github.com/Rorqualx/grubcrawl/internal/rules"
)

type classifyOutput struct {
	Block   classify.BlockSignals `json:"block"`
	Quality classify.Quality      `json:"quality"`
	Chars   int                   `json:"chars"`
	Words   int                   `json:"words"`
}

func newClassifyCmd(a *app) *cobra.Command {
	var status int
	cmd := &cobra.Command{
		Use:   "classify [FILE]",
		Short: "Classify saved HTML as blocked, empty, minimal or sufficient",
		Long:  "Reads HTML from FILE, or from stdin when FILE is omitted or \"-\", and prints the block verdict and content quality.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read html: %w", err)
			}

			rm, err := rules.NewManager(a.cfg.RulesPath, false)
			if err != nil {
				return err
			}
			defer rm.Close()

			out := classifyHTML(classify.New(rm), string(data), status)
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&status, "status", 0, "HTTP status the page was served with (0 = unknown)")
	return cmd
}

func classifyHTML(c *classify.Classifier, html string, status int) classifyOutput {
	text := classify.VisibleText(html)
	chars, words := classify.CountText(text)
	block := c.DetectBlockSignals(html, text, status)
	return classifyOutput{
		Block:   block,
		Quality: c.ClassifyContentQuality(utf8.RuneCountInString(html), words, block.Blocked, status, text),
		Chars:   chars,
		Words:   words,
	}
}
