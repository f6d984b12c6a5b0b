package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voiceloop/voiceloop/pkg/aec"
	"github.com/voiceloop/voiceloop/pkg/audiodev"
	"github.com/voiceloop/voiceloop/pkg/brain"
	"github.com/voiceloop/voiceloop/pkg/cli"
	"github.com/voiceloop/voiceloop/pkg/dialog"
	"github.com/voiceloop/voiceloop/pkg/kv"
	"github.com/voiceloop/voiceloop/pkg/speakerid"
	"github.com/voiceloop/voiceloop/pkg/speech"
	"github.com/voiceloop/voiceloop/pkg/vad"
	"github.com/voiceloop/voiceloop/pkg/volcspeech"
)

const runSampleRate = 16000

var (
	runVoice          string
	runInputDevice    string
	runOutputDevice   string
	runAECBinary      string
	runAECAttach      bool
	runSpeakerEncoder string
	runBotName        string
	runHotwords       []string
	runVADLevel       int
	runRequestFile    string
)

// runRequest is the optional tuning file loaded with -f. Flags win over
// file values where both are given.
type runRequest struct {
	// ASR session overrides: hotwords, corrections, end window.
	ASR volcspeech.ASRConfig `json:"asr,omitempty" yaml:"asr,omitempty"`

	// TTS session overrides: speaker, speed/volume/pitch ratios.
	TTS volcspeech.TTSConfig `json:"tts,omitempty" yaml:"tts,omitempty"`

	BotName      string   `json:"bot_name,omitempty" yaml:"bot_name,omitempty"`
	Greeting     string   `json:"greeting,omitempty" yaml:"greeting,omitempty"`
	ExitKeywords []string `json:"exit_keywords,omitempty" yaml:"exit_keywords,omitempty"`
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive voice conversation",
	Long: `Start the conversation loop: listen for speech, recognize it,
answer with the chat model, and speak the reply.

With an echo canceller (--aec-binary, or --aec to attach to one already
running) the microphone stays live during playback, so speaking over the
assistant interrupts it. Without one the microphone is ignored briefly
after each reply to avoid self-echo.

With a speaker encoder (--speaker-encoder) unknown voices are asked for
their name and remembered across sessions.

Say 退出, 再见, 拜拜 or 结束 to end the conversation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cliCtx, err := getContext()
		if err != nil {
			return err
		}
		if cliCtx.Speech == nil || cliCtx.Speech.AppID == "" || cliCtx.Speech.AccessKey == "" {
			return fmt.Errorf("speech credentials not configured, run: voiceloop config add-context")
		}
		if cliCtx.Brain == nil || cliCtx.Brain.APIKey == "" {
			return fmt.Errorf("brain credentials not configured, run: voiceloop config add-context")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runConversation(ctx, cliCtx)
	},
}

func runConversation(ctx context.Context, cliCtx *cli.Context) error {
	transcript := cli.NewTranscript()

	// Without -v, logger output goes to a ring instead of stderr so it
	// does not interleave with the transcript. The tail is printed if
	// the engine fails.
	var logTail *cli.LogWriter
	logger := newLogger()
	if !verbose {
		logTail = cli.NewLogWriter(200)
		logger = slog.New(slog.NewTextHandler(logTail, nil))
	}

	var req runRequest
	switch runRequestFile {
	case "":
	case "-":
		if err := cli.LoadRequestFromStdin(&req); err != nil {
			return err
		}
	default:
		if err := cli.LoadRequest(runRequestFile, &req); err != nil {
			return err
		}
	}

	// Speech backend
	client := volcspeech.NewClient(cliCtx.Speech.AppID,
		volcspeech.WithAccessKey(cliCtx.Speech.AccessKey),
		volcspeech.WithLogger(logger),
	)

	voice := runVoice
	if voice == "" {
		voice = req.TTS.Speaker
	}
	if voice == "" {
		voice = cliCtx.DefaultVoice
	}
	if voice == "" {
		return fmt.Errorf("no voice configured, use --voice or set --default-voice on the context")
	}

	asrCfg := req.ASR
	asrCfg.SampleRate = runSampleRate
	asrCfg.Hotwords = append(asrCfg.Hotwords, runHotwords...)

	ttsCfg := req.TTS
	ttsCfg.Speaker = voice
	ttsCfg.SampleRate = runSampleRate

	recognizer := speech.NewVolcRecognizer(client, &asrCfg)
	synthesizer := speech.NewVolcSynthesizer(client, &ttsCfg)

	// Voice activity detection at the capture chunk duration (30ms)
	detector, err := vad.New(runVADLevel, runSampleRate, 30*time.Millisecond)
	if err != nil {
		return err
	}

	// Echo canceller
	var bridge *aec.Bridge
	if runAECBinary != "" || runAECAttach {
		bridge = aec.NewBridge(aec.Config{
			BinaryPath: runAECBinary,
			SampleRate: runSampleRate,
			Logger:     logger,
		})
	}

	// Audio device
	channel, err := audiodev.Open(audiodev.Config{
		SampleRate:   runSampleRate,
		InputDevice:  runInputDevice,
		OutputDevice: runOutputDevice,
		Bridge:       bridge,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer channel.Close()

	capture, err := channel.StartCapture(ctx)
	if err != nil {
		return err
	}

	// Conversation brain
	botName := runBotName
	if botName == "" {
		botName = req.BotName
	}
	var brainOpts []brain.OpenAIOption
	if cliCtx.Brain.BaseURL != "" {
		brainOpts = append(brainOpts, brain.WithBaseURL(cliCtx.Brain.BaseURL))
	}
	if cliCtx.Brain.Model != "" {
		brainOpts = append(brainOpts, brain.WithModel(cliCtx.Brain.Model))
	}
	if botName != "" {
		brainOpts = append(brainOpts, brain.WithName(botName))
	}
	bot, err := brain.NewOpenAI(cliCtx.Brain.APIKey, brainOpts...)
	if err != nil {
		return err
	}

	// Speaker recognition, only with an encoder to extract voiceprints
	var speakers *speakerid.Identifier
	if runSpeakerEncoder != "" {
		paths, err := cli.NewPaths()
		if err != nil {
			return err
		}
		if err := paths.EnsureDataDir(); err != nil {
			return err
		}
		store, err := kv.OpenBadger(paths.DataPath("speakers"))
		if err != nil {
			return fmt.Errorf("open speaker store: %w", err)
		}
		defer store.Close()

		extractor := speakerid.NewExecExtractor(runSpeakerEncoder)
		speakers, err = speakerid.New(ctx, store, extractor)
		if err != nil {
			return err
		}
	}

	greeting := req.Greeting
	if greeting == "" {
		greeting = bot.Greeting()
	}

	engine := dialog.New(
		recognizer,
		synthesizer,
		&audioIO{capture: capture, channel: channel},
		detector,
		bot,
		bot,
		speakers,
		dialog.Options{
			BotName:      bot.Name(),
			Greeting:     greeting,
			ExitKeywords: req.ExitKeywords,
			AECEnabled:   bridge != nil,
			OnTurn: func(speaker, text, reply string) {
				fmt.Println(transcript.UserLine(speaker, text))
				fmt.Println(transcript.BotLine(bot.Name(), reply))
			},
			OnPartial: func(text string) {
				if verbose {
					fmt.Println(transcript.PartialLine(text))
				}
			},
			Logger: logger,
		},
	)

	// Stop the engine when the context is cancelled (Ctrl-C)
	go func() {
		<-ctx.Done()
		engine.Stop()
	}()

	fmt.Println(transcript.StatusLine("listening, say 退出 to end"))
	runErr := engine.Run(ctx)
	if runErr != nil && logTail != nil {
		for _, line := range logTail.Lines() {
			fmt.Fprintln(os.Stderr, line)
		}
	}
	return runErr
}

// audioIO adapts the audio channel to the engine's duplex surface.
type audioIO struct {
	capture *audiodev.CaptureStream
	channel *audiodev.Channel
}

func (a *audioIO) ReadFrame() ([]byte, error) { return a.capture.ReadFrame() }
func (a *audioIO) Play(pcm []byte) error      { return a.channel.Play(pcm) }

func init() {
	runCmd.Flags().StringVar(&runVoice, "voice", "", "synthesis voice (overrides context default)")
	runCmd.Flags().StringVar(&runInputDevice, "input-device", "", "capture device name substring (default: system default)")
	runCmd.Flags().StringVar(&runOutputDevice, "output-device", "", "playback device name substring (default: system default)")
	runCmd.Flags().StringVar(&runAECBinary, "aec-binary", "", "echo canceller executable to launch")
	runCmd.Flags().BoolVar(&runAECAttach, "aec", false, "attach to an already running echo canceller's pipes")
	runCmd.Flags().StringVar(&runSpeakerEncoder, "speaker-encoder", "", "voiceprint encoder executable, enables speaker recognition")
	runCmd.Flags().StringVar(&runBotName, "bot-name", "", "assistant name used in prompts and canned lines")
	runCmd.Flags().StringSliceVar(&runHotwords, "hotword", nil, "recognition hotwords (repeatable)")
	runCmd.Flags().IntVar(&runVADLevel, "vad-aggressiveness", 2, "voice activity detection aggressiveness (0-3)")
	runCmd.Flags().StringVarP(&runRequestFile, "file", "f", "", "tuning file (YAML or JSON) with asr/tts overrides, '-' reads stdin")
}
