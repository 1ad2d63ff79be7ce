package app

// Command はkintaiバイナリの起動モードを表す。
type Command string

const (
	// CommandServe はエージェントAPIと管理APIを提供するHTTPサーバーを起動する。
	CommandServe Command = "serve"
	// CommandWorker は集計・給与・削除ジョブの定期実行を行うワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate は勤怠スキーマのマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを確認して終了する。
	// シェルのないdistrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数からサブコマンドを決める。
// 引数がない場合や未知のサブコマンドはserveとして扱う。2番目以降の引数は無視する。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
