// vaultd-prompt - graphical user-presence prompt agent
//
// The daemon's presence gate spawns this binary for each prompt when
// the "agent" verifier is configured. The prompt description arrives as
// JSON on stdin; the outcome is written as JSON to stdout when the user
// responds. Killing the process dismisses the prompt.
package main

import (
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"os"

	"gioui.org/app"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"

	"vaultd/internal/presence"
)

// result is the stdout payload the agent verifier expects.
type result struct {
	Match     bool `json:"match"`
	Cancelled bool `json:"cancelled"`
}

func main() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultd-prompt: read stdin: %v\n", err)
		os.Exit(1)
	}

	var prompt presence.Prompt
	if err := json.Unmarshal(input, &prompt); err != nil {
		fmt.Fprintf(os.Stderr, "vaultd-prompt: decode prompt: %v\n", err)
		os.Exit(1)
	}

	go func() {
		w := new(app.Window)
		w.Option(app.Title(prompt.Title))
		w.Option(app.Size(unit.Dp(360), unit.Dp(200)))

		out, err := loop(w, prompt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vaultd-prompt: %v\n", err)
			os.Exit(1)
		}
		json.NewEncoder(os.Stdout).Encode(out)
		os.Exit(0)
	}()
	app.Main()
}

func loop(w *app.Window, prompt presence.Prompt) (result, error) {
	th := material.NewTheme()

	var confirm, cancel widget.Clickable
	var ops op.Ops

	for {
		switch e := w.Event().(type) {
		case app.DestroyEvent:
			if e.Err != nil {
				return result{}, e.Err
			}
			// Closing the window dismisses the prompt.
			return result{Cancelled: true}, nil

		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)

			if confirm.Clicked(gtx) {
				return result{Match: true}, nil
			}
			if cancel.Clicked(gtx) {
				return result{Cancelled: true}, nil
			}

			layoutPrompt(gtx, th, prompt, &confirm, &cancel)
			e.Frame(gtx.Ops)
		}
	}
}

func layoutPrompt(gtx layout.Context, th *material.Theme, prompt presence.Prompt,
	confirm, cancel *widget.Clickable) layout.Dimensions {
	return layout.UniformInset(unit.Dp(16)).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
			layout.Rigid(material.H6(th, prompt.Title).Layout),
			layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
			layout.Rigid(material.Body1(th, prompt.Subtitle).Layout),
			layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				if prompt.MaxAttempts <= 1 {
					return layout.Dimensions{}
				}
				attempt := material.Caption(th,
					fmt.Sprintf("Attempt %d of %d", prompt.Attempt, prompt.MaxAttempts))
				attempt.Color = color.NRGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
				return attempt.Layout(gtx)
			}),
			layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
				return layout.Dimensions{Size: gtx.Constraints.Min}
			}),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return layout.Flex{Axis: layout.Horizontal, Spacing: layout.SpaceBetween}.Layout(gtx,
					layout.Rigid(func(gtx layout.Context) layout.Dimensions {
						negative := prompt.Negative
						if negative == "" {
							negative = "Cancel"
						}
						return material.Button(th, cancel, negative).Layout(gtx)
					}),
					layout.Rigid(material.Button(th, confirm, "Confirm").Layout),
				)
			}),
		)
	})
}
