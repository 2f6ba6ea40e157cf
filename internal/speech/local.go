package speech

import (
	"context"
	"fmt"
	"io"
	"strings"

	google_translate_tts "github.com/GrailFinder/google-translate-tts"
	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// Google's endpoint rejects long inputs, so text is sent one sentence at a time.
const maxLocalChunkRunes = 180

// Generator produces mp3 audio for a short piece of text.
type Generator interface {
	GenerateSpeech(text string) (io.Reader, error)
}

// NewGoogleGenerator returns the Google Translate voice used as the local fallback.
func NewGoogleGenerator(cacheDir, language string) Generator {
	if strings.TrimSpace(language) == "" {
		language = "en"
	}
	return &google_translate_tts.Speech{
		Folder:   cacheDir,
		Language: language,
	}
}

// LocalOutput is the fallback synthesizer. It needs no credential.
type LocalOutput struct {
	gen       Generator
	tokenizer *sentences.DefaultSentenceTokenizer
}

func NewLocalOutput(gen Generator) (*LocalOutput, error) {
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("load sentence tokenizer: %w", err)
	}
	return &LocalOutput{gen: gen, tokenizer: tokenizer}, nil
}

func (o *LocalOutput) Supported() bool {
	return o != nil && o.gen != nil
}

func (o *LocalOutput) Speak(ctx context.Context, u Utterance, sink AudioSink) (SpeechHandle, error) {
	if !o.Supported() {
		return nil, ErrOutputUnavailable
	}
	chunks := o.Chunks(SanitizeText(u.Text))
	if len(chunks) == 0 {
		return doneHandle{}, nil
	}
	return startTask(ctx, func(ctx context.Context) error {
		for i, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			reader, err := o.gen.GenerateSpeech(chunk)
			if err != nil {
				return fmt.Errorf("generate speech failed: %w", err)
			}
			data, err := io.ReadAll(io.LimitReader(reader, maxRemoteClipBytes))
			if closer, ok := reader.(io.Closer); ok {
				_ = closer.Close()
			}
			if err != nil {
				return fmt.Errorf("read generated speech: %w", err)
			}
			if err := sink.PlayAudio(ctx, Clip{
				MessageID:   u.MessageID,
				Seq:         i + 1,
				Format:      "mp3",
				ContentType: "audio/mpeg",
				Source:      "local",
				Data:        data,
			}); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

// Chunks splits text into sentences, further splitting any sentence that is too long.
func (o *LocalOutput) Chunks(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	for _, s := range o.tokenizer.Tokenize(text) {
		sentence := strings.TrimSpace(s.Text)
		if sentence == "" {
			continue
		}
		out = append(out, splitLong(sentence, maxLocalChunkRunes)...)
	}
	return out
}

// splitLong breaks on word boundaries so no chunk exceeds limit runes.
func splitLong(s string, limit int) []string {
	if len([]rune(s)) <= limit {
		return []string{s}
	}
	var (
		out []string
		cur strings.Builder
	)
	for _, word := range strings.Fields(s) {
		if cur.Len() > 0 && len([]rune(cur.String()))+1+len([]rune(word)) > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
