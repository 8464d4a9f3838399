package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/shehackedyou/molangcomplete"
)

var (
	ErrChainNotResolved = errors.New("chain does not resolve")
	ErrUnknownRuntime   = errors.New("runtime is not declared by the schema")
)

const commandTimeout = 30 * time.Second

// ResolveCmd walks a query chain.
type ResolveCmd struct {
	Runtime string `help:"Runtime context id; empty merges every runtime" short:"r"`
	Chain   string `arg:"" help:"Chain such as q.pokemon.species or pokemon.species"`
}

func (cmd *ResolveCmd) Run(ctx *Context) error {
	engine := ctx.Service.Engine()
	if cmd.Runtime != "" && !slices.Contains(engine.GetRuntimeNames(), cmd.Runtime) {
		return fmt.Errorf("%w: %s", ErrUnknownRuntime, cmd.Runtime)
	}
	parts := chainParts(cmd.Chain)
	ctx.Logger.Debug("Resolving chain", "runtime", cmd.Runtime, "parts", parts)

	if len(parts) == 0 {
		printMembers(ctx.Out, "query variables", engine.GetRuntimeQueryVariables(cmd.Runtime))
		return nil
	}
	res, ok := engine.ResolveChain(cmd.Runtime, parts)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChainNotResolved, cmd.Chain)
	}
	if res.Entry != nil {
		printEntry(ctx.Out, strings.Join(parts, "."), res.Entry)
	}
	printMembers(ctx.Out, "members", res.Members)
	return nil
}

// chainParts drops a q./query. prefix and empty segments.
func chainParts(chain string) []string {
	chain = strings.TrimSpace(chain)
	for _, prefix := range []string{"query.", "q."} {
		if strings.HasPrefix(chain, prefix) {
			chain = chain[len(prefix):]
			break
		}
	}
	if chain == "q" || chain == "query" {
		return nil
	}
	var parts []string
	for p := range strings.SplitSeq(chain, ".") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// PositionArgs are shared by commands that act on a file position.
type PositionArgs struct {
	File string `arg:"" help:"MoLang file" type:"existingfile"`
	Line int    `help:"Line number (1-based)" required:"" short:"l"`
	Col  int    `help:"Column number (1-based, UTF-16 units)" required:"" short:"c"`
}

// load reads the file and converts the 1-based position to a byte offset.
func (p PositionArgs) load(ctx *Context) (path, text string, offset int, err error) {
	if p.Line <= 0 || p.Col <= 0 {
		return "", "", 0, fmt.Errorf("line and col must be positive, got %d:%d", p.Line, p.Col)
	}
	path, err = molangcomplete.ValidateAndGetFilePath(p.File, ctx.Logger)
	if err != nil {
		return "", "", 0, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	pos := molangcomplete.LSPPosition{Line: uint32(p.Line - 1), Character: uint32(p.Col - 1)}
	_, _, offset, err = molangcomplete.LspPositionToBytePosition(content, pos, ctx.Logger)
	if err != nil {
		return "", "", 0, err
	}
	return path, string(content), offset, nil
}

// HoverCmd prints hover documentation.
type HoverCmd struct {
	PositionArgs `embed:""`
	Markdown     bool `help:"Print markdown instead of plain text"`
}

func (cmd *HoverCmd) Run(ctx *Context) error {
	path, text, offset, err := cmd.load(ctx)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	info, err := ctx.Service.Hover(reqCtx, path, text, offset, cmd.Markdown)
	if err != nil {
		return err
	}
	if info == nil {
		molangcomplete.ColorMuted.Fprintln(ctx.Out, "No documentation at position")
		return nil
	}
	fmt.Fprintln(ctx.Out, info.Contents)
	return nil
}

// CompleteCmd prints completion items.
type CompleteCmd struct {
	PositionArgs `embed:""`
	Snippets     bool `help:"Allow snippet insert text"`
}

func (cmd *CompleteCmd) Run(ctx *Context) error {
	path, text, offset, err := cmd.load(ctx)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	items, err := ctx.Service.Complete(reqCtx, path, text, offset, cmd.Snippets)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		molangcomplete.ColorMuted.Fprintln(ctx.Out, "No completions at position")
		return nil
	}
	for _, item := range items {
		molangcomplete.ColorName.Fprint(ctx.Out, item.Label)
		if item.Detail != "" {
			fmt.Fprint(ctx.Out, "  ")
			molangcomplete.ColorType.Fprint(ctx.Out, item.Detail)
		}
		if cmd.Snippets && item.InsertText != "" && item.InsertText != item.Label {
			fmt.Fprint(ctx.Out, "  ")
			molangcomplete.ColorMuted.Fprint(ctx.Out, item.InsertText)
		}
		fmt.Fprintln(ctx.Out)
	}
	return nil
}

// InferCmd prints the inferred runtime of a file.
type InferCmd struct {
	File string `arg:"" help:"MoLang file" type:"existingfile"`
}

func (cmd *InferCmd) Run(ctx *Context) error {
	path, err := molangcomplete.ValidateAndGetFilePath(cmd.File, ctx.Logger)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	id, source := ctx.Service.Engine().InferRuntime(string(content), path)
	if id == "" {
		molangcomplete.ColorMuted.Fprintln(ctx.Out, "Runtime unknown, completions use the merged query variables")
		return nil
	}
	molangcomplete.ColorName.Fprint(ctx.Out, id)
	fmt.Fprint(ctx.Out, "  ")
	molangcomplete.ColorMuted.Fprintf(ctx.Out, "(from %s)\n", source)
	return nil
}

// RuntimesCmd lists runtime ids.
type RuntimesCmd struct {
	Members bool `help:"Also list each runtime's query variables" short:"m"`
}

func (cmd *RuntimesCmd) Run(ctx *Context) error {
	engine := ctx.Service.Engine()
	for _, id := range engine.GetRuntimeNames() {
		molangcomplete.ColorHeading.Fprintln(ctx.Out, id)
		if cmd.Members {
			printMembers(ctx.Out, "", engine.GetRuntimeQueryVariables(id))
		}
	}
	return nil
}

// StructsCmd lists struct types.
type StructsCmd struct {
	Members bool `help:"Also list each struct's composed members" short:"m"`
}

func (cmd *StructsCmd) Run(ctx *Context) error {
	engine := ctx.Service.Engine()
	for _, name := range engine.GetStructNames() {
		molangcomplete.ColorHeading.Fprintln(ctx.Out, name)
		if cmd.Members {
			printMembers(ctx.Out, "", engine.GetAllFunctionsForType(name))
		}
	}
	return nil
}

func printEntry(w io.Writer, name string, entry *molangcomplete.MemberEntry) {
	molangcomplete.ColorName.Fprint(w, name)
	fmt.Fprint(w, "  ")
	molangcomplete.ColorType.Fprintln(w, entryType(entry))
	if entry.Description != "" {
		fmt.Fprintln(w, entry.Description)
	}
	fmt.Fprintln(w)
}

func printMembers(w io.Writer, heading string, members *molangcomplete.MemberMap) {
	if heading != "" {
		molangcomplete.ColorHeading.Fprintf(w, "%s (%d)\n", heading, members.Len())
	}
	for name, entry := range members.All() {
		fmt.Fprint(w, "  ")
		molangcomplete.ColorName.Fprint(w, name)
		fmt.Fprint(w, "  ")
		molangcomplete.ColorType.Fprintln(w, entryType(entry))
	}
}

func entryType(entry *molangcomplete.MemberEntry) string {
	if entry.IsStruct() && entry.StructType != "" {
		return entry.StructType
	}
	return entry.ResultType()
}
