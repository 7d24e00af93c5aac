package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/crashgame/config"
	"github.com/vadiminshakov/crashgame/internal/domain"
)

// OutputFile is where the wizard writes the generated configuration.
const OutputFile = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// answers holds the raw wizard input.
type answers struct {
	httpAddr        string
	walDir          string
	betWindow       string
	interRoundDelay string
	growthRate      string
	houseEdge       string
	maxCrash        string
	disclose        bool
	rateSource      string
	usdBalance      string
}

func defaultAnswers() answers {
	def := config.Default()
	return answers{
		httpAddr:        def.HTTPAddr,
		walDir:          def.WALDir,
		betWindow:       def.BetWindow.String(),
		interRoundDelay: def.InterRoundDelay.String(),
		growthRate:      def.GrowthRate.String(),
		houseEdge:       def.HouseEdge.String(),
		maxCrash:        def.MaxCrash.String(),
		rateSource:      def.RateSource,
		usdBalance:      def.StartingBalances[domain.CurrencyUSD].String(),
	}
}

// tmp turns the answers into a validated yaml config.
func (a answers) tmp() (config.ConfigTmp, error) {
	betWindow, err := time.ParseDuration(a.betWindow)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("bet window: %w", err)
	}
	delay, err := time.ParseDuration(a.interRoundDelay)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("inter round delay: %w", err)
	}

	tmp := config.Default().Tmp()
	tmp.HTTPAddr = a.httpAddr
	tmp.WALDir = a.walDir
	tmp.BetWindow = betWindow
	tmp.InterRoundDelay = delay
	tmp.GrowthRateStr = a.growthRate
	tmp.HouseEdgeStr = a.houseEdge
	tmp.MaxCrashStr = a.maxCrash
	tmp.DiscloseCrashPoint = a.disclose
	tmp.RateSource = a.rateSource
	tmp.StartingBalances[domain.CurrencyUSD.String()] = a.usdBalance

	if _, err := tmp.ToConfig(); err != nil {
		return config.ConfigTmp{}, err
	}
	return tmp, nil
}

// RunTUI launches the terminal configuration wizard and returns the path of the written config.
func RunTUI() (string, error) {
	a := defaultAnswers()
	var confirm bool

	// step 1: welcome
	screen()
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Let's set up your crash rounds.\n"))

	fmt.Println(stepStyle.Render("STEP 1: SERVER"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP listen address").
				Value(&a.httpAddr).
				Validate(notEmpty),
			huh.NewInput().
				Title("WAL directory").
				Description("Rounds, accounts and ledger entries are stored here").
				Value(&a.walDir).
				Validate(notEmpty),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen()
	fmt.Println(stepStyle.Render("STEP 2: ROUND TIMING"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bet window").
				Description("Duration string (e.g. 5s, 10s)").
				Value(&a.betWindow).
				Validate(validateDuration),
			huh.NewInput().
				Title("Delay between rounds").
				Value(&a.interRoundDelay).
				Validate(validateDuration),
			huh.NewInput().
				Title("Multiplier growth per second").
				Value(&a.growthRate).
				Validate(validatePositive),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen()
	fmt.Println(stepStyle.Render("STEP 3: FAIRNESS"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("House edge").
				Description("Fraction in [0, 1), e.g. 0.01").
				Value(&a.houseEdge).
				Validate(validateEdge),
			huh.NewInput().
				Title("Maximum crash point").
				Value(&a.maxCrash).
				Validate(validatePositive),
			huh.NewConfirm().
				Title("Publish the crash point when a round opens?").
				Value(&a.disclose),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen()
	fmt.Println(stepStyle.Render("STEP 4: WALLETS"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Exchange rate source").
				Options(
					huh.NewOption("Binance", config.RateSourceBinance),
					huh.NewOption("Bybit", config.RateSourceBybit),
					huh.NewOption("Static fallback rates", config.RateSourceStatic),
				).
				Value(&a.rateSource),
			huh.NewInput().
				Title("Starting USD balance").
				Value(&a.usdBalance).
				Validate(validatePositive),
		),
	).Run()
	if err != nil {
		return "", err
	}

	// confirmation
	screen()
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	summary := fmt.Sprintf(
		"Listen: %s\nWAL: %s\nBet window: %s\nGrowth: %s/s\nHouse edge: %s\nRates: %s\n",
		a.httpAddr, a.walDir, a.betWindow, a.growthRate, a.houseEdge, a.rateSource,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}

	if !confirm {
		return "", fmt.Errorf("setup cancelled by user")
	}

	tmp, err := a.tmp()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to generate yaml: %w", err)
	}

	if err := os.WriteFile(OutputFile, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting rounds...", OutputFile)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return OutputFile, nil
}

func screen() {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("CRASH CONFIG WIZARD"))
}

func notEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("cannot be empty")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateEdge(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}
