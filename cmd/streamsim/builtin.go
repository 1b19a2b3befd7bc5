// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import "bytes"

// builtinScenarios returns the scenarios compiled into the simulator.
// They cover the stream shapes the client has to survive: clean
// completions, citation markers, framing artifacts leaking into text,
// frames split inside a rune, malformed JSON, in-stream errors, and
// streams that just stop. A scenario directory can shadow any of them
// by name.
func builtinScenarios() []*Scenario {
	return []*Scenario{
		defaultScenario(),
		citationsScenario(),
		artifactsScenario(),
		splitRuneScenario(),
		malformedFrameScenario(),
		serverErrorScenario(),
		truncatedScenario(),
		slowScenario(),
		toolResultScenario(),
	}
}

func event(fields map[string]any) Frame {
	return Frame{Event: fields}
}

func delta(text string, delayMs int) Frame {
	return Frame{
		DelayMs: delayMs,
		Event:   map[string]any{"type": "text-delta", "delta": text},
	}
}

// splitInsideRune returns a single chunk length that cuts the frame's
// wire form one byte into the first occurrence of r, so the write
// boundary lands inside the rune's UTF-8 encoding.
func splitInsideRune(f Frame, r rune) []int {
	wire, err := f.WireBytes()
	if err != nil {
		return nil
	}
	i := bytes.IndexRune(wire, r)
	if i < 0 {
		return nil
	}
	return []int{i + 1}
}

func defaultScenario() *Scenario {
	return &Scenario{
		Name:        "default",
		Description: "Clean completion: metadata, a short answer, done.",
		Frames: []Frame{
			event(map[string]any{"type": "text-start"}),
			event(map[string]any{"type": "metadata", "metadata": map[string]any{"model": "qwen2.5:32b"}}),
			delta("The Aleutian chain ", 5),
			delta("stretches about 1,900 ", 5),
			delta("kilometers from the Alaska ", 5),
			delta("Peninsula toward Kamchatka.", 5),
			{Event: map[string]any{"type": "text-end", "text": ""}},
			{Done: true},
		},
	}
}

func citationsScenario() *Scenario {
	marker := `useDocument({documentId: "is-2207", documentName: "island_survey.md", similarity: 0.87, contentPreview: "Unimak is the largest island in the chain."})`
	return &Scenario{
		Name:        "citations",
		Description: "Answer with an inline citation marker and document metadata.",
		Frames: []Frame{
			event(map[string]any{"type": "text-start"}),
			delta("Unimak is the largest island ", 5),
			delta("in the chain "+marker+" and ", 5),
			delta("hosts Shishaldin volcano.", 5),
			event(map[string]any{
				"type": "response-metadata",
				"metadata": map[string]any{
					"usedDocuments": []any{
						map[string]any{
							"documentId":   "is-2207",
							"documentName": "island_survey.md",
							"similarity":   0.87,
						},
					},
				},
			}),
			{Done: true},
		},
	}
}

func artifactsScenario() *Scenario {
	return &Scenario{
		Name:        "artifacts",
		Description: "Transport framing leaking into the visible text.",
		Frames: []Frame{
			event(map[string]any{"type": "text-start"}),
			delta("Fishing fleets shelter at ", 5),
			delta("0:\"Dutch Harbor \"\n", 5),
			delta("e:{\"finishReason\":\"stop\",\"usage\":{\"promptTokens\":42}}\n", 5),
			delta("during winter storms.\n[DONE]\n", 5),
			delta("12:", 5),
			{Done: true},
		},
	}
}

func splitRuneScenario() *Scenario {
	// The deltas carry multi-byte runes on purpose; the chunk lengths
	// cut their wire frames inside one of them.
	accent := delta("The end of the piste is marked by a caf\u00e9 ", 5)
	accent.Chunks = splitInsideRune(accent, '\u00e9')
	currency := delta("selling chowder for 9\u20ac a bowl.", 5)
	if chunks := splitInsideRune(currency, '\u20ac'); chunks != nil {
		currency.Chunks = []int{chunks[0] + 1}
	}
	return &Scenario{
		Name:        "split-rune",
		Description: "Write boundaries landing inside multi-byte runes.",
		Frames: []Frame{
			event(map[string]any{"type": "text-start"}),
			accent,
			currency,
			{Done: true},
		},
	}
}

func malformedFrameScenario() *Scenario {
	return &Scenario{
		Name:        "malformed-frame",
		Description: "A frame with broken JSON in the middle of the stream.",
		Frames: []Frame{
			event(map[string]any{"type": "text-start"}),
			delta("Everything before the glitch ", 5),
			delta("arrives intact. ", 5),
			{Raw: "data: {\"type\":\"text-delta\",\"delta\":\"lost\n\n"},
			delta("And this frame comes after it.", 5),
			{Done: true},
		},
	}
}

func serverErrorScenario() *Scenario {
	return &Scenario{
		Name:        "server-error",
		Description: "Partial answer terminated by an in-stream error event.",
		Frames: []Frame{
			event(map[string]any{"type": "text-start"}),
			delta("The model got halfway through ", 5),
			delta("this sentence before ", 5),
			event(map[string]any{"type": "error", "error": "inference backend overloaded"}),
		},
	}
}

func truncatedScenario() *Scenario {
	return &Scenario{
		Name:        "truncated",
		Description: "The connection drops mid-answer with no terminal frame.",
		Frames: []Frame{
			event(map[string]any{"type": "text-start"}),
			delta("This answer stops without ", 5),
			delta("warning, as if the pod ", 5),
			delta("behind it was rescheduled", 5),
		},
	}
}

func slowScenario() *Scenario {
	return &Scenario{
		Name:        "slow",
		Description: "One token every 400ms, for spinner and abort testing.",
		Frames: []Frame{
			event(map[string]any{"type": "text-start"}),
			delta("Each ", 400),
			delta("of ", 400),
			delta("these ", 400),
			delta("words ", 400),
			delta("takes ", 400),
			delta("a ", 400),
			delta("while ", 400),
			delta("to arrive.", 400),
			{Done: true},
		},
	}
}

func toolResultScenario() *Scenario {
	return &Scenario{
		Name:        "tool-result",
		Description: "A document search tool result arriving mid-stream.",
		Frames: []Frame{
			event(map[string]any{"type": "text-start"}),
			delta("Checking the survey records. ", 5),
			event(map[string]any{
				"type": "tool-result",
				"result": map[string]any{
					"tool": "document_search",
					"usedDocuments": []any{
						map[string]any{
							"documentId":   "wx-0310",
							"documentName": "weather_log_march.md",
							"similarity":   0.74,
						},
					},
				},
			}),
			delta("March brought eleven gale ", 5),
			delta("warnings across the chain.", 5),
			{Done: true},
		},
	}
}
